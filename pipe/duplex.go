package pipe

// Duplex is one side's view of a full-duplex channel:
// Input carries bytes coming in, Output carries bytes going out.
type Duplex struct {
	Input  Reader
	Output Writer
}

// NewDuplexPair creates two pipes and cross-wires them. Whatever the
// transport side writes to its Output shows up on the application side's
// Input, and the other way round.
func NewDuplexPair(opts ...Option) (transport, application Duplex) {
	inbound := New(opts...)
	outbound := New(opts...)

	transport = Duplex{
		Input:  outbound.Reader(),
		Output: inbound.Writer(),
	}
	application = Duplex{
		Input:  inbound.Reader(),
		Output: outbound.Writer(),
	}
	return transport, application
}
