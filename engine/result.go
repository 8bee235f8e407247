package engine

// ReadResult is the outcome of Conn.StartReceive
type ReadResult int

const (
	// ReadInProgress means a receive is outstanding, its result arrives asynchronously
	ReadInProgress ReadResult = iota
	// HaveRead means data was received synchronously, the caller should receive again
	HaveRead
	// ReadError means the connection is faulted
	ReadError
)

func (r ReadResult) String() string {
	switch r {
	case ReadInProgress:
		return "InProgress"
	case HaveRead:
		return "HaveRead"
	case ReadError:
		return "ReadError"
	default:
		return "Unknown"
	}
}

// SendResult is the outcome of Conn.StartSend
type SendResult int

const (
	// SendInProgress means a send is outstanding, its result arrives asynchronously
	SendInProgress SendResult = iota
	// HaveSent means a transmit completed synchronously, the caller should send again
	HaveSent
	// NoSendData means the outbound pool is empty, this is the normal idle signal
	NoSendData
	// SendError means the connection is faulted
	SendError
)

func (r SendResult) String() string {
	switch r {
	case SendInProgress:
		return "InProgress"
	case HaveSent:
		return "HaveSent"
	case NoSendData:
		return "NoSendData"
	case SendError:
		return "SendError"
	default:
		return "Unknown"
	}
}
