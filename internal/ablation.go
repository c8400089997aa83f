package internal

import (
	"fmt"
)

type PromptAblation string

const (
	PromptFull               PromptAblation = "full"
	PromptWithoutDemo        PromptAblation = "wo_demo"
	PromptWithoutName        PromptAblation = "wo_name"
	PromptWithoutDescription PromptAblation = "wo_description"
)

func ParsePromptAblation(s string) (PromptAblation, error) {
	switch PromptAblation(s) {
	case PromptFull, PromptWithoutDemo, PromptWithoutName, PromptWithoutDescription:
		return PromptAblation(s), nil
	case "":
		return PromptFull, nil
	default:
		return "", fmt.Errorf("%w: unknown prompt ablation %q", ErrConfiguration, s)
	}
}

type Ablation string

const (
	AblationFull                Ablation = "full"
	AblationWithoutCE           Ablation = "wo_ce"
	AblationWithoutCL1          Ablation = "wo_cl_1"
	AblationWithoutCLAll        Ablation = "wo_cl_all"
	AblationWithoutInstance     Ablation = "wo_instance_feedback"
	AblationWithoutCluster      Ablation = "wo_cluster_feedback"
	AblationWithoutBothFeedback Ablation = "wo_both_feedback"
)

func ParseAblation(s string) (Ablation, error) {
	switch Ablation(s) {
	case AblationFull, AblationWithoutCE, AblationWithoutCL1, AblationWithoutCLAll,
		AblationWithoutInstance, AblationWithoutCluster, AblationWithoutBothFeedback:
		return Ablation(s), nil
	case "":
		return AblationFull, nil
	default:
		return "", fmt.Errorf("%w: unknown component ablation %q", ErrConfiguration, s)
	}
}

// InstanceFeedback reports whether the oracle picks the positive neighbor.
func (a Ablation) InstanceFeedback() bool {
	return a != AblationWithoutInstance && a != AblationWithoutBothFeedback
}

type RunningMethod string

const (
	MethodGCDLLMs                 RunningMethod = "gcdllms"
	MethodNoLLMNeighborRefinement RunningMethod = "no_llm_neighbor_refinement"
	MethodClusterAlignmentOnly    RunningMethod = "gcdllms_w_cluster_alignment"
	MethodLoop                    RunningMethod = "loop"
	MethodGCD                     RunningMethod = "gcd"
	MethodSimGCD                  RunningMethod = "simgcd"
	MethodBacon                   RunningMethod = "bacon"
)

func ParseRunningMethod(s string) (RunningMethod, error) {
	switch RunningMethod(s) {
	case MethodGCDLLMs, MethodNoLLMNeighborRefinement, MethodClusterAlignmentOnly,
		MethodLoop, MethodGCD, MethodSimGCD, MethodBacon:
		return RunningMethod(s), nil
	case "":
		return MethodGCDLLMs, nil
	default:
		return "", fmt.Errorf("%w: unknown running method %q", ErrConfiguration, s)
	}
}

// Baseline reports whether the method selects neighbors by majority
// predicted cluster instead of the feedback state machine.
func (m RunningMethod) Baseline() bool {
	switch m {
	case MethodLoop, MethodGCD, MethodSimGCD, MethodBacon:
		return true
	}
	return false
}

// AsksOracle reports whether a baseline method resolves query set members
// with a pairwise oracle choice kept for the round.
func (m RunningMethod) AsksOracle() bool {
	return m == MethodLoop || m == MethodBacon
}

// LossWeights are the coefficients the trainer applies to each loss term.
type LossWeights struct {
	CE              float64
	CL              float64
	Sup             float64
	CEUnsup         float64
	ClusterInstance float64
}

func LossWeightsFromConfig(cfg LossConfig) LossWeights {
	return LossWeights{
		CE:              cfg.CE,
		CL:              cfg.CL,
		Sup:             cfg.Sup,
		CEUnsup:         cfg.CEUnsup,
		ClusterInstance: cfg.ClusterInstance,
	}
}

// Apply zeroes the loss terms removed by the ablation.
func (w LossWeights) Apply(a Ablation) LossWeights {
	switch a {
	case AblationWithoutCE:
		w.CE = 0
		w.Sup = 0
		w.CEUnsup = 0
	case AblationWithoutCL1:
		w.CL = 0
	case AblationWithoutCLAll:
		w.CL = 0
		w.ClusterInstance = 0
	case AblationWithoutCluster, AblationWithoutBothFeedback:
		w.ClusterInstance = 0
	}
	return w
}

// ClusterAlignment reports whether clusters are characterized and the
// oracle is asked for a positive cluster.
func (w LossWeights) ClusterAlignment() bool {
	return w.ClusterInstance > 0
}

// Schedule decides when neighbors are refreshed during training.
type Schedule struct {
	Epochs         int
	UpdatePerEpoch int
}

func ScheduleFromConfig(cfg ScheduleConfig) Schedule {
	return Schedule{Epochs: cfg.Epochs, UpdatePerEpoch: cfg.UpdatePerEpoch}
}

// NumRounds is ceil(Epochs / UpdatePerEpoch).
func (s Schedule) NumRounds() int {
	if s.UpdatePerEpoch <= 0 {
		return 1
	}
	return (s.Epochs + s.UpdatePerEpoch - 1) / s.UpdatePerEpoch
}

// RefreshAfter reports whether a new round starts after the zero-based
// epoch. The last epoch never triggers a refresh.
func (s Schedule) RefreshAfter(epoch int) bool {
	if s.UpdatePerEpoch <= 0 {
		return false
	}
	return (epoch+1)%s.UpdatePerEpoch == 0 && epoch+1 != s.Epochs
}
