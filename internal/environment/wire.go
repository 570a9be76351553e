package environment

import (
	"encoding/base64"
	"fmt"

	"github.com/spachava753/deskeval/internal/models"
)

// WireObservation is the JSON observation shape shared by the simulator
// HTTP API and the in-container controller.
type WireObservation struct {
	ScreenshotB64  string  `json:"screenshot_b64,omitempty"`
	ScreenshotPath string  `json:"screenshot_path,omitempty"`
	A11yTree       *string `json:"a11y_tree,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
}

// Decode converts the wire form into an Observation for the given step.
// ScreenshotPath is not resolved here; callers that support it fetch the
// file themselves.
func (w WireObservation) Decode(step int, fallback Screen) (models.Observation, error) {
	obs := models.Observation{
		A11yTree: w.A11yTree,
		Width:    w.Width,
		Height:   w.Height,
		Step:     step,
	}
	if obs.Width == 0 {
		obs.Width = fallback.Width
	}
	if obs.Height == 0 {
		obs.Height = fallback.Height
	}
	if w.ScreenshotB64 != "" {
		data, err := base64.StdEncoding.DecodeString(w.ScreenshotB64)
		if err != nil {
			return models.Observation{}, fmt.Errorf("decoding screenshot: %w", err)
		}
		obs.Screenshot = data
	}
	return obs, nil
}
