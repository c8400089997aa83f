package v1

import "github.com/4thel00z/gcdloop/internal"

// DiscoveryPending marks an example whose label is unknown.
const DiscoveryPending = internal.DiscoveryPending

type (
	Config        = internal.Config
	Example       = internal.Example
	Fields        = internal.Fields
	Dataset       = internal.Dataset
	SliceDataset  = internal.SliceDataset
	Encoder       = internal.Encoder
	EncoderOutput = internal.EncoderOutput
	Tokenizer     = internal.Tokenizer
	Clusterer     = internal.Clusterer

	// Transport sends a single prompt to an LLM and returns its completion.
	Transport = internal.OracleTransport
	Request   = internal.Request

	Trainer       = internal.Trainer
	RoundState    = internal.RoundState
	Record        = internal.Record
	SamplerState  = internal.SamplerState
	Schedule      = internal.Schedule
	LossWeights   = internal.LossWeights
	Scores        = internal.Scores
	RunSummary    = internal.RunSummary
	ResultRow     = internal.ResultRow
	FeedbackEntry = internal.FeedbackEntry
)

const (
	StateResolved = internal.StateResolved
	StateCold     = internal.StateCold
	StatePending  = internal.StatePending
	StateBaseline = internal.StateBaseline
)

var (
	ErrConfiguration     = internal.ErrConfiguration
	ErrDataInconsistency = internal.ErrDataInconsistency
	ErrIndexOutOfRange   = internal.ErrIndexOutOfRange
)

// DefaultConfig returns the configuration `gcd init` writes.
func DefaultConfig() *Config {
	return internal.DefaultConfig()
}
