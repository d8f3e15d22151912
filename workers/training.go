// Package workers provides the units of work the scheduler can run.
// Each worker registers under a payload type tag and follows the same
// contract: report progress at step boundaries and stop promptly once
// the run context is canceled.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricelab-backend/scheduler"
)

// TaskTypeTrainModel is the payload type tag for model training
const TaskTypeTrainModel = "train_model"

// TrainingParams are the parameters of a train_model payload
type TrainingParams struct {
	Type         string  `json:"type"`
	ModelID      string  `json:"model_id"`
	Symbol       string  `json:"symbol"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
}

// TrainingResult summarizes a finished training run
type TrainingResult struct {
	ModelID   string          `json:"model_id"`
	Epochs    int             `json:"epochs"`
	FinalLoss decimal.Decimal `json:"final_loss"`
	Accuracy  decimal.Decimal `json:"accuracy"`
	Message   string          `json:"message"`
}

// TrainingWorker runs a price-prediction model training session. The
// numerical work is simulated epoch by epoch; the scheduler treats it
// like any long-running unit of work with per-epoch progress.
type TrainingWorker struct {
	// EpochDuration is how long one epoch takes; tests set it to zero
	EpochDuration time.Duration
}

// NewTrainingWorker returns a worker with production epoch pacing
func NewTrainingWorker() *TrainingWorker {
	return &TrainingWorker{EpochDuration: 2 * time.Second}
}

// Run trains the model described by the payload
func (w *TrainingWorker) Run(ctx context.Context, payload json.RawMessage, report scheduler.ProgressFunc) (json.RawMessage, error) {
	var params TrainingParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, fmt.Errorf("bad training payload: %w", err)
	}
	if params.ModelID == "" {
		return nil, fmt.Errorf("training payload is missing model_id")
	}
	if params.Epochs <= 0 {
		params.Epochs = 10
	}
	if params.LearningRate <= 0 {
		params.LearningRate = 0.001
	}

	// Loss decays geometrically with the learning rate; accuracy climbs
	// toward its asymptote as the loss shrinks
	loss := decimal.NewFromFloat(1.0)
	decay := decimal.NewFromFloat(1.0).Sub(decimal.NewFromFloat(params.LearningRate).Mul(decimal.NewFromInt(100)))
	if decay.LessThan(decimal.NewFromFloat(0.1)) {
		decay = decimal.NewFromFloat(0.1)
	}
	ceiling := decimal.NewFromFloat(0.98)

	for epoch := 1; epoch <= params.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if w.EpochDuration > 0 {
			timer := time.NewTimer(w.EpochDuration)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		loss = loss.Mul(decay).Round(6)
		progress := epoch * 100 / params.Epochs
		report(progress, fmt.Sprintf("epoch %d/%d, loss %s", epoch, params.Epochs, loss))
	}

	accuracy := ceiling.Sub(loss).Round(4)
	result := TrainingResult{
		ModelID:   params.ModelID,
		Epochs:    params.Epochs,
		FinalLoss: loss,
		Accuracy:  accuracy,
		Message:   fmt.Sprintf("model %s trained for %d epochs", params.ModelID, params.Epochs),
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal training result: %w", err)
	}
	return data, nil
}
