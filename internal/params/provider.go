package params

import (
	"sync/atomic"
	"time"
)

// LoFiTrialGroup is the field trial group the host was placed in.
type LoFiTrialGroup string

const (
	// LoFiGroupNone means no Auto Lo-Fi trial.
	LoFiGroupNone LoFiTrialGroup = ""
	// LoFiGroupEnabled sends the Lo-Fi header when the network is slow.
	LoFiGroupEnabled LoFiTrialGroup = "enabled"
	// LoFiGroupControl tracks slowness without sending the header.
	LoFiGroupControl LoFiTrialGroup = "control"
)

// LoFiVariationParams are the optional Auto Lo-Fi trial parameters.
// A nil field means the trial did not set it.
type LoFiVariationParams struct {
	RTTMsec          *int64
	Kbps             *int64
	HysteresisPeriod *time.Duration
}

// Provider answers the process-level switches the config consults.
type Provider interface {
	ShouldUseSecureProxyByDefault() bool
	LoFiDisabledViaFlags() bool
	LoFiAlwaysOnViaFlags() bool
	LoFiCellularOnlyViaFlags() bool
	LoFiTrialGroup() LoFiTrialGroup
	LoFiVariationParams() LoFiVariationParams
	UseDataSaverOnVPN() bool
	ConfigServiceURL() string
	APIKey() string
}

// Params is the plain Provider filled from configuration.
type Params struct {
	SecureProxyByDefault bool
	LoFiDisabled         bool
	LoFiAlwaysOn         bool
	LoFiCellularOnly     bool
	TrialGroup           LoFiTrialGroup
	Variation            LoFiVariationParams
	DataSaverOnVPN       bool
	ServiceURL           string
	Key                  string
}

func (p *Params) ShouldUseSecureProxyByDefault() bool { return p.SecureProxyByDefault }
func (p *Params) LoFiDisabledViaFlags() bool { return p.LoFiDisabled }
func (p *Params) LoFiAlwaysOnViaFlags() bool { return p.LoFiAlwaysOn }
func (p *Params) LoFiCellularOnlyViaFlags() bool { return p.LoFiCellularOnly }
func (p *Params) LoFiTrialGroup() LoFiTrialGroup { return p.TrialGroup }
func (p *Params) LoFiVariationParams() LoFiVariationParams { return p.Variation }
func (p *Params) UseDataSaverOnVPN() bool { return p.DataSaverOnVPN }
func (p *Params) ConfigServiceURL() string { return p.ServiceURL }
func (p *Params) APIKey() string { return p.Key }

// Holder is a Provider whose backing Params can be swapped on config reload.
type Holder struct {
	current atomic.Pointer[Params]
}

// NewHolder returns a Holder serving p.
func NewHolder(p *Params) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

// Store replaces the served params.
func (h *Holder) Store(p *Params) {
	if p == nil {
		p = &Params{}
	}
	h.current.Store(p)
}

// Load returns the params currently served.
func (h *Holder) Load() *Params {
	return h.current.Load()
}

func (h *Holder) ShouldUseSecureProxyByDefault() bool {
	return h.Load().ShouldUseSecureProxyByDefault()
}
func (h *Holder) LoFiDisabledViaFlags() bool { return h.Load().LoFiDisabledViaFlags() }
func (h *Holder) LoFiAlwaysOnViaFlags() bool { return h.Load().LoFiAlwaysOnViaFlags() }
func (h *Holder) LoFiCellularOnlyViaFlags() bool { return h.Load().LoFiCellularOnlyViaFlags() }
func (h *Holder) LoFiTrialGroup() LoFiTrialGroup { return h.Load().LoFiTrialGroup() }
func (h *Holder) LoFiVariationParams() LoFiVariationParams {
	return h.Load().LoFiVariationParams()
}
func (h *Holder) UseDataSaverOnVPN() bool { return h.Load().UseDataSaverOnVPN() }
func (h *Holder) ConfigServiceURL() string { return h.Load().ConfigServiceURL() }
func (h *Holder) APIKey() string { return h.Load().APIKey() }
