package inference

import "math"

// EpochRecord captures one training epoch.
type EpochRecord struct {
	Epoch          int     `json:"epoch"`
	TrainLoss      float64 `json:"train_loss"`
	ValidationLoss float64 `json:"validation_loss"`
	GradNorm       float64 `json:"grad_norm"` // mean pre-clip norm over the epoch's batches
	Improved       bool    `json:"improved"`
}

// History collects epoch records across every Train call on one driver.
type History struct {
	Epochs []EpochRecord `json:"epochs"`
}

// NewHistory creates a History ready for recording.
func NewHistory() *History {
	return &History{Epochs: make([]EpochRecord, 0)}
}

// Record appends an epoch record.
func (h *History) Record(r EpochRecord) {
	h.Epochs = append(h.Epochs, r)
}

// Summary aggregates a training run.
type Summary struct {
	EpochsTrained      int     `json:"epochs_trained"`
	BestEpoch          int     `json:"best_epoch"`
	BestValidationLoss float64 `json:"best_validation_loss"`
	FinalTrainLoss     float64 `json:"final_train_loss"`
	ConvergedEarly     bool    `json:"converged_early"`
	NumTrain           int     `json:"num_train"`
	NumValidation      int     `json:"num_validation"`
}

// Summarize computes aggregate statistics from a History.
// Safe for nil or empty histories (returns zero-value fields).
func Summarize(h *History) *Summary {
	s := &Summary{}
	if h == nil || len(h.Epochs) == 0 {
		return s
	}
	s.EpochsTrained = len(h.Epochs)
	s.BestValidationLoss = math.Inf(1)
	for _, e := range h.Epochs {
		if e.ValidationLoss < s.BestValidationLoss {
			s.BestValidationLoss = e.ValidationLoss
			s.BestEpoch = e.Epoch
		}
	}
	s.FinalTrainLoss = h.Epochs[len(h.Epochs)-1].TrainLoss
	return s
}
