// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package health

// RuntimeVersion is the predictor runtime's own version string, set at
// build time via -ldflags.
var RuntimeVersion = "dev"

// VersionInfo reports the runtime's version alongside the predictor and
// predictor-language versions, when known. The predictor adapter is
// free-form: it may be a Python model (Predictor/Language populated) or
// a native Go predictor (Language typically "go").
type VersionInfo struct {
	Runtime   string `json:"coglet"`
	Predictor string `json:"predictor,omitempty"`
	Language  string `json:"language,omitempty"`
}

// NewVersionInfo builds version info for the running predictor runtime.
func NewVersionInfo() VersionInfo {
	return VersionInfo{Runtime: RuntimeVersion}
}

// WithPredictor returns a copy of v with the predictor version set.
func (v VersionInfo) WithPredictor(version string) VersionInfo {
	v.Predictor = version
	return v
}

// WithLanguage returns a copy of v with the predictor language set.
func (v VersionInfo) WithLanguage(language string) VersionInfo {
	v.Language = language
	return v
}
