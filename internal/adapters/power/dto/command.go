package dto

const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

type Command struct {
	Command string `json:"command"`
}

type Reply struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (r Reply) Done() bool {
	return r.Status == StatusDone
}
