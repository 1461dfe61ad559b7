package statemachine

import "github.com/punchamoorthee/exactlyonce/internal/domain"

var (
	user   = []Actor{ActorUser}
	admin  = []Actor{ActorAdmin}
	system = []Actor{ActorSystem}
	staff  = []Actor{ActorAdmin, ActorSystem}
	anyone = []Actor{ActorUser, ActorAdmin, ActorSystem}
)

var cashoutMatrix = Matrix[domain.CashoutStatus]{
	domain.CashoutPending: {
		domain.CashoutOTPPending:   {ActorUser, ActorSystem},
		domain.CashoutAdminPending: staff,
		domain.CashoutApproved:     staff,
		domain.CashoutProcessing:   system,
		domain.CashoutCancelled:    {ActorUser, ActorAdmin},
		domain.CashoutExpired:      system,
	},
	domain.CashoutOTPPending: {
		domain.CashoutPending:      system,
		domain.CashoutAdminPending: system,
		domain.CashoutApproved:     system,
		domain.CashoutCancelled:    anyone,
		domain.CashoutExpired:      system,
	},
	domain.CashoutAdminPending: {
		domain.CashoutApproved:  admin,
		domain.CashoutCancelled: admin,
		domain.CashoutFailed:    admin,
	},
	domain.CashoutApproved: {
		domain.CashoutProcessing: staff,
		domain.CashoutCancelled:  admin,
	},
	domain.CashoutProcessing: {
		domain.CashoutAwaitingResponse: system,
		domain.CashoutSuccess:          system,
		domain.CashoutFailed:           system,
		domain.CashoutAdminPending:     system,
	},
	domain.CashoutAwaitingResponse: {
		domain.CashoutSuccess:      system,
		domain.CashoutFailed:       system,
		domain.CashoutAdminPending: staff,
	},
	domain.CashoutFailed: {
		domain.CashoutPending:   admin,
		domain.CashoutCancelled: staff,
	},
	domain.CashoutSuccess:   {},
	domain.CashoutCancelled: {},
	domain.CashoutExpired:   {},
}

// Every spelling of a cashout status found in stored rows and provider
// callbacks. Uppercase enum names are covered by case folding.
var cashoutAliases = map[string]domain.CashoutStatus{
	"manual_processing":      domain.CashoutAdminPending,
	"pending_admin_approval": domain.CashoutAdminPending,
	"awaiting_approval":      domain.CashoutAdminPending,
	"admin_approval":         domain.CashoutAdminPending,
	"pending_otp":            domain.CashoutOTPPending,
	"otp_required":           domain.CashoutOTPPending,
	"executing":              domain.CashoutProcessing,
	"in_progress":            domain.CashoutProcessing,
	"awaiting_provider":      domain.CashoutAwaitingResponse,
	"sent":                   domain.CashoutAwaitingResponse,
	"completed":              domain.CashoutSuccess,
	"complete":               domain.CashoutSuccess,
	"succeeded":              domain.CashoutSuccess,
	"paid":                   domain.CashoutSuccess,
	"error":                  domain.CashoutFailed,
	"canceled":               domain.CashoutCancelled,
	"timed_out":              domain.CashoutExpired,
	"timeout":                domain.CashoutExpired,
}

var escrowMatrix = Matrix[domain.EscrowStatus]{
	domain.EscrowCreated: {
		domain.EscrowPaymentPending: {ActorUser, ActorSystem},
		domain.EscrowCancelled:      anyone,
		domain.EscrowExpired:        system,
	},
	domain.EscrowPaymentPending: {
		domain.EscrowPaymentConfirmed: system,
		domain.EscrowCancelled:        {ActorUser, ActorAdmin},
		domain.EscrowExpired:          system,
	},
	domain.EscrowPaymentConfirmed: {
		domain.EscrowActive:   {ActorUser, ActorSystem},
		domain.EscrowDisputed: user,
		domain.EscrowRefunded: admin,
	},
	domain.EscrowActive: {
		domain.EscrowReleased: anyone,
		domain.EscrowDisputed: user,
		domain.EscrowRefunded: admin,
	},
	domain.EscrowDisputed: {
		domain.EscrowReleased: admin,
		domain.EscrowRefunded: admin,
	},
	domain.EscrowReleased:  {},
	domain.EscrowRefunded:  {},
	domain.EscrowCancelled: {},
	domain.EscrowExpired:   {},
}

var escrowAliases = map[string]domain.EscrowStatus{
	"pending_payment":  domain.EscrowPaymentPending,
	"awaiting_payment": domain.EscrowPaymentPending,
	"paid":             domain.EscrowPaymentConfirmed,
	"funded":           domain.EscrowPaymentConfirmed,
	"in_progress":      domain.EscrowActive,
	"dispute":          domain.EscrowDisputed,
	"completed":        domain.EscrowReleased,
	"complete":         domain.EscrowReleased,
	"canceled":         domain.EscrowCancelled,
}

var (
	Cashout = NewValidator("cashout", cashoutMatrix, cashoutAliases)
	Escrow  = NewValidator("escrow", escrowMatrix, escrowAliases)
)
