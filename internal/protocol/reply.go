package protocol

// ReasonNotFound is reported when an availability check names an unknown code.
const (
	ReasonNotFound = "not-found"
	ReasonNoCopies = "no-copies"
)

// OperationReply answers loan, return and renewal requests, and the
// replication channel.
type OperationReply struct {
	Success   bool   `json:"exito"`
	Message   string `json:"mensaje"`
	Remaining *int   `json:"ejemplares,omitempty"`
	DueDate   *Date  `json:"fecha_devolucion,omitempty"`
	Site      string `json:"sede,omitempty"`
}

// AvailabilityReply answers an availability check.
type AvailabilityReply struct {
	Available bool   `json:"disponible"`
	Copies    *int   `json:"ejemplares,omitempty"`
	Site      string `json:"sede"`
	Message   string `json:"mensaje,omitempty"`
	Reason    string `json:"motivo,omitempty"`
}

// Reply is the union of both reply shapes as seen by a client.
type Reply struct {
	Success   bool   `json:"exito"`
	Available bool   `json:"disponible"`
	Copies    *int   `json:"ejemplares,omitempty"`
	DueDate   *Date  `json:"fecha_devolucion,omitempty"`
	Site      string `json:"sede,omitempty"`
	Message   string `json:"mensaje,omitempty"`
	Reason    string `json:"motivo,omitempty"`
}

// Failure builds a negative operation reply.
func Failure(site, message string) OperationReply {
	return OperationReply{Success: false, Message: message, Site: site}
}

// IntPtr returns a pointer to a copy of n.
func IntPtr(n int) *int {
	return &n
}
