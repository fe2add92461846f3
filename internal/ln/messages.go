package ln

import "github.com/btcsuite/btcd/btcutil"

// Message is one of the closed set of protocol messages this wallet
// exchanges with its peers. Wire encoding lives with the transport, not
// here; these are the in-memory shapes the state machines pass around.
type Message interface {
	MsgName() string
}

// TrampolineOn advertises willingness and capacity to route payments as a
// trampoline node. MaxMsat is recomputed from live channel balances before
// every broadcast; the remaining fields are the operator's template.
type TrampolineOn struct {
	MinMsat                   MilliSatoshi
	MaxMsat                   MilliSatoshi
	FeeBaseMsat               MilliSatoshi
	FeeProportionalMillionths uint64
	ExponentSat               float64
	LogarithmSat              float64
	CLTVExpiryDelta           uint16
}

func (TrampolineOn) MsgName() string { return "trampoline_on" }

// TrampolineStatus is the per-peer advertisement variant: not routing at
// all, a first advertisement, or a refresh of an earlier one.
type TrampolineStatus interface {
	Message
	trampolineStatus()
}

// TrampolineUndesired withdraws any previous advertisement.
type TrampolineUndesired struct{}

func (TrampolineUndesired) MsgName() string   { return "trampoline_undesired" }
func (TrampolineUndesired) trampolineStatus() {}

// TrampolineStatusInit is the first non-undesired advertisement sent to a
// peer, carrying the full parameter set.
type TrampolineStatusInit struct {
	Updates []TrampolineOn
	Status  TrampolineOn
}

func (TrampolineStatusInit) MsgName() string   { return "trampoline_status_init" }
func (TrampolineStatusInit) trampolineStatus() {}

// TrampolineStatusUpdate refreshes an advertisement the peer has already
// seen an init for.
type TrampolineStatusUpdate struct {
	Removed []NodeID
	Changed map[NodeID]TrampolineOn
	Status  *TrampolineOn
}

func (TrampolineStatusUpdate) MsgName() string   { return "trampoline_status_update" }
func (TrampolineStatusUpdate) trampolineStatus() {}

// advertisedParams extracts the effective advertisement, nil meaning
// "not routing".
func advertisedParams(s TrampolineStatus) *TrampolineOn {
	switch v := s.(type) {
	case TrampolineUndesired:
		return nil
	case TrampolineStatusInit:
		on := v.Status
		return &on
	case TrampolineStatusUpdate:
		return v.Status
	default:
		return nil
	}
}

// EqualTrampolineStatus reports whether two statuses advertise the same
// thing to the peer. An init followed by an update carrying identical
// parameters is a refresh, not a change, so only the effective
// advertisement is compared.
func EqualTrampolineStatus(a, b TrampolineStatus) bool {
	pa, pb := advertisedParams(a), advertisedParams(b)
	if pa == nil || pb == nil {
		return pa == nil && pb == nil
	}
	return *pa == *pb
}

// SwapOutRequest solicits current swap-out terms from a peer.
type SwapOutRequest struct{}

func (SwapOutRequest) MsgName() string { return "swap_out_request" }

// BlockTargetAndFee is one fee quote: what the provider charges for a
// confirmation within BlockTarget blocks.
type BlockTargetAndFee struct {
	BlockTarget int32
	Fee         btcutil.Amount
}

// SwapOutResponse is a provider's full quote sheet.
type SwapOutResponse struct {
	Feerates        []BlockTargetAndFee
	ActiveAddress   string
	MaxWithdrawable btcutil.Amount
}

func (SwapOutResponse) MsgName() string { return "swap_out_response" }
