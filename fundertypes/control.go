package fundertypes

// FriendMessage is the closed sum of the two message variants friends
// exchange over the (out-of-scope) transport, per spec.md §6.
type FriendMessage interface {
	isFriendMessage()
}

// MoveTokenRequest carries a signed move token plus whether the sender
// wants the token back promptly.
type MoveTokenRequest struct {
	FriendMoveToken MoveToken
	TokenWanted     bool
}

func (MoveTokenRequest) isFriendMessage() {}

// InconsistencyErrorMessage notifies the peer of this side's reset terms
// after a chain divergence was detected.
type InconsistencyErrorMessage struct {
	ResetTerms ResetTerms
}

func (InconsistencyErrorMessage) isFriendMessage() {}

// FriendStatus tracks whether a friend relationship is currently enabled.
type FriendStatus int

const (
	FriendEnable FriendStatus = iota
	FriendDisable
)

// ControlCommand is the closed sum of inbound control-interface commands
// from spec.md §6.
type ControlCommand interface {
	isControlCommand()
}

type AddFriend struct {
	PublicKey PublicKey
	Address   []byte
}

func (AddFriend) isControlCommand() {}

type RemoveFriend struct{ PublicKey PublicKey }

func (RemoveFriend) isControlCommand() {}

type SetFriendStatus struct {
	PublicKey PublicKey
	Status    FriendStatus
}

func (SetFriendStatus) isControlCommand() {}

type SetFriendRemoteMaxDebt struct {
	PublicKey PublicKey
	MaxDebt   Credit
}

func (SetFriendRemoteMaxDebt) isControlCommand() {}

type SetFriendAddr struct {
	PublicKey PublicKey
	Address   []byte
}

func (SetFriendAddr) isControlCommand() {}

type ResetFriendChannel struct{ PublicKey PublicKey }

func (ResetFriendChannel) isControlCommand() {}

type RequestSendFundsCommand struct {
	RequestID   Uid
	Route       Route
	DestPayment Credit
	InvoiceID   InvoiceId
}

func (RequestSendFundsCommand) isControlCommand() {}

type ReceiptAck struct{ RequestID Uid }

func (ReceiptAck) isControlCommand() {}

// ResponseSendFundsResult is the closed sum of outcomes reported back to
// the control interface for a locally-originated payment.
type ResponseSendFundsResult interface {
	isResponseSendFundsResult()
}

type ResultSuccess struct{ Receipt Receipt }

func (ResultSuccess) isResponseSendFundsResult() {}

type ResultFailure struct{ ReportingPublicKey PublicKey }

func (ResultFailure) isResponseSendFundsResult() {}

// ControlEvent is the closed sum of outbound control-interface events,
// per spec.md §6.
type ControlEvent interface {
	isControlEvent()
}

type ResponseReceived struct {
	RequestID Uid
	Result    ResponseSendFundsResult
}

func (ResponseReceived) isControlEvent() {}

// FriendStatusReport notifies control-interface consumers that a friend's
// liveness or consistency status changed.
type FriendStatusReport struct {
	PublicKey PublicKey
	Online    bool
	Consistent bool
}

func (FriendStatusReport) isControlEvent() {}
