package domain

// CashoutStatus values are stored lowercase in the cashouts.status column.
type CashoutStatus string

const (
	CashoutPending          CashoutStatus = "pending"
	CashoutOTPPending       CashoutStatus = "otp_pending"
	CashoutAdminPending     CashoutStatus = "admin_pending"
	CashoutApproved         CashoutStatus = "approved"
	CashoutProcessing       CashoutStatus = "processing"
	CashoutAwaitingResponse CashoutStatus = "awaiting_response"
	CashoutSuccess          CashoutStatus = "success"
	CashoutFailed           CashoutStatus = "failed"
	CashoutCancelled        CashoutStatus = "cancelled"
	CashoutExpired          CashoutStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s CashoutStatus) IsTerminal() bool {
	switch s {
	case CashoutSuccess, CashoutCancelled, CashoutExpired:
		return true
	}
	return false
}

type EscrowStatus string

const (
	EscrowCreated          EscrowStatus = "created"
	EscrowPaymentPending   EscrowStatus = "payment_pending"
	EscrowPaymentConfirmed EscrowStatus = "payment_confirmed"
	EscrowActive           EscrowStatus = "active"
	EscrowDisputed         EscrowStatus = "disputed"
	EscrowReleased         EscrowStatus = "released"
	EscrowRefunded         EscrowStatus = "refunded"
	EscrowCancelled        EscrowStatus = "cancelled"
	EscrowExpired          EscrowStatus = "expired"
)

func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowCancelled, EscrowExpired:
		return true
	}
	return false
}
