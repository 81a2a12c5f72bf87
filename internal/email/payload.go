package email

const (
	// DefaultPriority matches the X-Priority "normal" value.
	DefaultPriority = 3
	MinPriority     = 0
	MaxPriority     = 100
)

// RawPayload is the persisted form of an outgoing message. It belongs to
// exactly one Record.
type RawPayload struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     string
	ReturnPath  string
	Priority    int
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []StoredAttachment
}

// StoredAttachment references a caller-provided file that is copied into the
// staging area under FileName when the record is enqueued.
type StoredAttachment struct {
	Path     string `json:"path"`
	FileName string `json:"fileName"`
}

// ClampPriority bounds p to [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// SetPriority stores p clamped to the allowed range.
func (p *RawPayload) SetPriority(priority int) {
	p.Priority = ClampPriority(priority)
}
