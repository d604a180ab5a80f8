package domain

// SendStatus tags the outcome of one send operation.
type SendStatus string

const (
	// SendCompleted means both the user message and the AI reply are durable.
	SendCompleted SendStatus = "completed"
	// SendProcessing means the user message is durable but generation failed
	// retryably; the reply will arrive asynchronously and the caller should poll.
	SendProcessing SendStatus = "processing"
	// SendFailed means the user message is durable and generation failed
	// terminally; no reply will arrive for this send.
	SendFailed SendStatus = "failed"
)

// SendResult is the transient outcome of a send. UserMessage is always set
// and always already persisted by the time a result is returned, whatever
// the status.
type SendResult struct {
	Status      SendStatus `json:"status"`
	UserMessage Message    `json:"user_message"`
	AIMessage   *Message   `json:"ai_message,omitempty"`
	ErrorText   string     `json:"error,omitempty"`
	Retryable   bool       `json:"retryable,omitempty"`
}
