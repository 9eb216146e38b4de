package nvmet

// Payload mapping: turning a flat byte count into the scatter-gather
// list a command exposes to its executor, and back into the {base,len}
// segments each state-machine step consumes one piece at a time.

// splitIntoPages breaks a transfer of total bytes into DefaultPageSize
// pieces, the shape an executor's object store expects to receive or
// produce payload in.
func splitIntoPages(total uint32, pageSize int) [][]byte {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	n := (total + uint32(pageSize) - 1) / uint32(pageSize)
	pages := make([][]byte, 0, n)
	remaining := total
	for remaining > 0 {
		take := uint32(pageSize)
		if take > remaining {
			take = remaining
		}
		pages = append(pages, make([]byte, take))
		remaining -= take
	}
	return pages
}

// mapWriteIOV walks a request's scatter-gather list and returns the
// tail of it starting at fromOffset, so the receive state machine can
// fill destination pages directly as payload arrives without copying
// through an intermediate buffer.
func mapWriteIOV(pages [][]byte, fromOffset uint32) [][]byte {
	var iov [][]byte
	var consumed uint32
	for _, pg := range pages {
		pgLen := uint32(len(pg))
		if consumed+pgLen <= fromOffset {
			consumed += pgLen
			continue
		}
		start := uint32(0)
		if fromOffset > consumed {
			start = fromOffset - consumed
		}
		iov = append(iov, pg[start:])
		consumed += pgLen
	}
	return iov
}

// digestPages runs d over the first total bytes of pages and returns
// the resulting CRC32C, used both to precompute an outbound c2h_data
// trailer and to compute the expected value on the receive side once a
// write payload has fully landed.
func digestPages(d Digester, pages [][]byte, total uint32) uint32 {
	d.Reset()
	var done uint32
	for _, pg := range pages {
		if done >= total {
			break
		}
		remaining := total - done
		chunk := pg
		if uint32(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		d.Write(chunk)
		done += uint32(len(chunk))
	}
	return d.Sum32()
}
