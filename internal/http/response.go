package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the envelope of every JSON answer except /stats.
type Response struct {
	Status Status `json:"status,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewValueResponse(key, value string) Response {
	return Response{Status: StatusSuccess, Key: key, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
