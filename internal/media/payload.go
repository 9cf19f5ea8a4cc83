package media

import "github.com/viniciusgn/whatsgate/internal/model"

// Payload is raw media content extracted from an inbound message, waiting
// to be routed to object storage or the background queue.
type Payload struct {
	Data      []byte
	MediaType model.MediaType
	MimeType  string
	FileName  string
	Caption   string
}

// Size is the decoded byte length the sync/async decision is made on.
func (p *Payload) Size() int64 {
	return int64(len(p.Data))
}
