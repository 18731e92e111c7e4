package command

// Reason is the kind of a parse failure.
type Reason int

const (
	ReasonBlank Reason = iota
	ReasonTokenCount
	ReasonUnknownServo
	ReasonUnknownPosition
)

// ParseError is a malformed or unknown line command. It is reported to the
// user and the session carries on.
type ParseError struct {
	Reason Reason
	Input  string

	hint string
}

func (e *ParseError) Error() string {
	switch e.Reason {
	case ReasonBlank:
		return "Empty command. Use '<servo> <position>', e.g., '1 left'"
	case ReasonTokenCount:
		return "Invalid format. Use '<servo> <position>', e.g., '1 left'"
	case ReasonUnknownServo:
		return "Invalid servo. " + e.hint
	case ReasonUnknownPosition:
		return "Invalid position. " + e.hint
	default:
		return "Invalid command"
	}
}
