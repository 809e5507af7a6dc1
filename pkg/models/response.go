package models

// Param is one name/value pair of a command's output parameters. Names may
// repeat; Response keeps them in document order.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Response is one parsed response document of the command channel.
type Response struct {
	Name       string `json:"name,omitempty"`
	SequenceID int64  `json:"sequenceId,omitempty"`

	IsError      bool              `json:"isError"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	IsProcessing bool              `json:"isProcessing,omitempty"`
	OutputParams map[string]string `json:"outputParameters"`

	// Params holds every output parameter in order, including repeated names
	// that OutputParams collapses to the last value.
	Params []Param `json:"-"`
}

// Get returns the named output parameter.
func (r *Response) Get(name string) string {
	if r == nil || r.OutputParams == nil {
		return ""
	}
	return r.OutputParams[name]
}

// Values returns every value of a repeated output parameter in order.
func (r *Response) Values(name string) []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, p := range r.Params {
		if p.Name == name {
			out = append(out, p.Value)
		}
	}
	return out
}
