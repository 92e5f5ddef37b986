package chat

import (
	"time"

	"github.com/zhouzirui/z-clinic/backend/internal/model/intake"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
)

// Session is a read-only snapshot of one intake conversation.
type Session struct {
	ID            string          `json:"id"`
	Language      locale.Language `json:"language"`
	State         intake.State    `json:"state"`
	Messages      []Message       `json:"messages"`
	MessageCount  int             `json:"messageCount"`
	MessageCap    int             `json:"messageCap"`
	Input         string          `json:"input"`
	Processing    bool            `json:"processing"`
	Validating    bool            `json:"validating"`
	FormRequested bool            `json:"formRequested"`
	CreatedAt     time.Time       `json:"createdAt"`
}
