package nvmet

// DiscTraddr writes the transport address initiators should dial when
// connecting to the namespace advertised by this port, for the
// discovery service's log page. Address selection based on
// source/destination only matters once multiple listen addresses are
// bound per port, which is a discovery-controller concern out of scope
// here.
func DiscTraddr(nport *Port, buf []byte) int {
	addr := nport.ln.Addr().String()
	return copy(buf, addr)
}

// DeleteCtrl tears down every queue belonging to the controller that
// owns registry.
func DeleteCtrl(registry *Registry) {
	registry.DeleteCtrl()
}
