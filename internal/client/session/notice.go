package session

// NoticeKind identifies a user-facing notice.
type NoticeKind string

const (
	NoticeFingerprintMismatch NoticeKind = "fingerprint_mismatch"
	NoticeInactivityExpired   NoticeKind = "inactivity_expired"
	NoticeApprovalPending     NoticeKind = "approval_pending"
	NoticeSignedOut           NoticeKind = "signed_out"
	NoticeIdentityUnavailable NoticeKind = "identity_unavailable"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is a message for the user. It is the only way session problems
// reach the UI.
type Notice struct {
	Kind     NoticeKind
	Severity Severity
	Title    string
	Message  string
}

// Notifier displays notices. Notify is called with internal locks held and
// must not block or call back into the synchronizer.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

var (
	noticeFingerprint = Notice{
		Kind:     NoticeFingerprintMismatch,
		Severity: SeverityWarning,
		Title:    "Session Invalidated",
		Message:  "Your saved session was created on another device and has been removed. Please sign in again.",
	}
	noticeInactivity = Notice{
		Kind:     NoticeInactivityExpired,
		Severity: SeverityInfo,
		Title:    "Session Expired",
		Message:  "You were signed out due to inactivity.",
	}
	noticeApproval = Notice{
		Kind:     NoticeApprovalPending,
		Severity: SeverityError,
		Title:    "Approval Pending",
		Message:  "Your account is pending admin approval.",
	}
	noticeSignedOut = Notice{
		Kind:     NoticeSignedOut,
		Severity: SeveritySuccess,
		Title:    "Signed Out",
		Message:  "Logged out successfully",
	}
	noticeSessionEnded = Notice{
		Kind:     NoticeSignedOut,
		Severity: SeverityInfo,
		Title:    "Signed Out",
		Message:  "Your session has ended. Please sign in again.",
	}
	noticeIdentityUnavailable = Notice{
		Kind:     NoticeIdentityUnavailable,
		Severity: SeverityError,
		Title:    "Profile Unavailable",
		Message:  "Could not load your profile. It will be retried automatically.",
	}
)
