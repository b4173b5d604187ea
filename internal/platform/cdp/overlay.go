package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const overlayTimeout = 5 * time.Second

// PairingOverlay renders the pairing modal inside the kiosk page. Its
// buttons POST to the agent's loopback control server at controlBase.
type PairingOverlay struct {
	c           *Client
	controlBase string
}

func NewPairingOverlay(c *Client, controlBase string) *PairingOverlay {
	return &PairingOverlay{c: c, controlBase: controlBase}
}

func (o *PairingOverlay) render(code string, invalid bool) {
	state, _ := json.Marshal(map[string]any{"code": code, "invalid": invalid, "base": o.controlBase})
	ctx, cancel := context.WithTimeout(context.Background(), overlayTimeout)
	defer cancel()
	if err := o.c.Evaluate(ctx, fmt.Sprintf(pairingScript, state), nil); err != nil {
		log.Warn("render pairing overlay failed", "error", err)
	}
}

func (o *PairingOverlay) ShowCode(code string) {
	o.render(code, false)
}

func (o *PairingOverlay) ShowInvalid() {
	o.render("", true)
}

func (o *PairingOverlay) Dismiss() {
	ctx, cancel := context.WithTimeout(context.Background(), overlayTimeout)
	defer cancel()
	if err := o.c.Evaluate(ctx, dismissPairingScript, nil); err != nil {
		log.Warn("dismiss pairing overlay failed", "error", err)
	}
}
