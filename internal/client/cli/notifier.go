package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dmitrijs2005/gymportal/internal/client/session"
)

// TerminalNotifier prints session notices as single lines.
type TerminalNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

var _ session.Notifier = (*TerminalNotifier)(nil)

func NewTerminalNotifier(w io.Writer) *TerminalNotifier {
	return &TerminalNotifier{w: w}
}

func (n *TerminalNotifier) Notify(notice session.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "\n[%s] %s: %s\n", strings.ToUpper(string(notice.Severity)), notice.Title, notice.Message)
}
