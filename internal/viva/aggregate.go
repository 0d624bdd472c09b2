package viva

import (
	"fmt"

	"github.com/pavelanni/viva/internal/model"
)

// RunningMean folds incoming into current, where current is the mean over
// turnCount-1 earlier turns. Callers pass the number of the turn being
// scored (1 for the first) and increment only after the update.
func RunningMean(current model.ScoreTriple, turnCount int, incoming model.ScoreTriple) model.ScoreTriple {
	if turnCount < 1 {
		panic(fmt.Sprintf("viva: RunningMean called with turn count %d", turnCount))
	}
	n := float64(turnCount)
	mean := func(cur, in float64) float64 {
		return (cur*(n-1) + in) / n
	}
	return model.ScoreTriple{
		Correctness: mean(current.Correctness, incoming.Correctness),
		Depth:       mean(current.Depth, incoming.Depth),
		Clarity:     mean(current.Clarity, incoming.Clarity),
	}
}
