package transport

// Done returns a channel that is closed once the current socket has been
// disposed. Before the first Start it returns a closed channel.
func (b *Bridge) Done() <-chan struct{} {
	if r := b.current(); r != nil {
		return r.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}
