// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements classification losses used to train WaveMLP: label-smoothing
// cross-entropy and knowledge distillation.
//
// Losses take logits shaped [batch, numClasses] and integer targets shaped [batch] (or [batch, 1]),
// and return the scalar mean over the batch. Use AsLossFn to adapt them to the signature of
// train.Trainer losses.
package losses

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidSmoothing is returned by NewLabelSmoothing for smoothing outside of [0, 1).
	ErrInvalidSmoothing = errors.New("label smoothing must be in [0, 1)")

	// ErrInvalidDistillation is returned by NewDistillation for invalid alpha or temperature.
	ErrInvalidDistillation = errors.New("invalid distillation parameters")
)

// LossFn follows the signature of losses used by train.Trainer.
type LossFn = func(labels, predictions []*Node) *Node

// targetLogProbs gathers logProbs[i, targets[i]], shaped [batch].
func targetLogProbs(logProbs, targets *Node) *Node {
	if logProbs.Rank() != 2 {
		exceptions.Panicf("logits must be shaped [batch, numClasses], got %s", logProbs.Shape())
	}
	if !targets.DType().IsInt() {
		exceptions.Panicf("targets must be integer class indices, got %s", targets.Shape())
	}
	batchSize, numClasses := logProbs.Shape().Dimensions[0], logProbs.Shape().Dimensions[1]
	if targets.Shape().Size() != batchSize || (targets.Rank() != 1 && targets.Rank() != 2) {
		exceptions.Panicf("targets must be shaped [%d] or [%d, 1] to match logits %s, got %s",
			batchSize, batchSize, logProbs.Shape(), targets.Shape())
	}
	targets = Reshape(targets, batchSize)
	oneHot := OneHot(targets, numClasses, logProbs.DType())
	return ReduceSum(Mul(oneHot, logProbs), -1)
}

// CrossEntropy returns the mean over the batch of the cross-entropy of logits given the targets.
func CrossEntropy(logits, targets *Node) *Node {
	logProbs := LogSoftmax(logits, -1)
	return Neg(ReduceAllMean(targetLogProbs(logProbs, targets)))
}

// LabelSmoothing is the cross-entropy against targets smoothed towards the uniform distribution.
type LabelSmoothing struct {
	smoothing, confidence float64
}

// NewLabelSmoothing returns the label-smoothing cross-entropy. smoothing must be in [0, 1):
// with 0 it is the plain cross-entropy.
func NewLabelSmoothing(smoothing float64) (*LabelSmoothing, error) {
	if smoothing < 0 || smoothing >= 1 {
		return nil, errors.Wrapf(ErrInvalidSmoothing, "got smoothing=%g", smoothing)
	}
	return &LabelSmoothing{smoothing: smoothing, confidence: 1 - smoothing}, nil
}

// Smoothing returns the smoothing factor.
func (l *LabelSmoothing) Smoothing() float64 { return l.smoothing }

// Loss returns the batch mean of
//
//	(1-smoothing) * -log p[target] + smoothing * -mean_classes(log p)
func (l *LabelSmoothing) Loss(logits, targets *Node) *Node {
	logProbs := LogSoftmax(logits, -1)
	nll := Neg(targetLogProbs(logProbs, targets))
	smooth := Neg(ReduceMean(logProbs, -1))
	loss := Add(MulScalar(nll, l.confidence), MulScalar(smooth, l.smoothing))
	return ReduceAllMean(loss)
}

// AsLossFn adapts the loss to train.Trainer: labels[0] are the targets and predictions[0] the logits.
func (l *LabelSmoothing) AsLossFn() LossFn {
	return func(labels, predictions []*Node) *Node {
		return l.Loss(predictions[0], labels[0])
	}
}

// Default distillation parameters.
const (
	DefaultDistillationAlpha       = 0.95
	DefaultDistillationTemperature = 6.0
)

// Distillation is the knowledge distillation loss of "Distilling the Knowledge in a Neural Network",
// https://arxiv.org/abs/1503.02531.
type Distillation struct {
	alpha, temperature float64
}

// NewDistillation creates the distillation loss. alpha in [0, 1] weights the soft (teacher) term
// against the hard (targets) term, and temperature > 0 softens both distributions.
func NewDistillation(alpha, temperature float64) (*Distillation, error) {
	if alpha < 0 || alpha > 1 {
		return nil, errors.Wrapf(ErrInvalidDistillation, "alpha must be in [0, 1], got %g", alpha)
	}
	if temperature <= 0 {
		return nil, errors.Wrapf(ErrInvalidDistillation, "temperature must be > 0, got %g", temperature)
	}
	return &Distillation{alpha: alpha, temperature: temperature}, nil
}

// DefaultDistillation uses alpha=0.95 and temperature=6.
func DefaultDistillation() *Distillation {
	return &Distillation{alpha: DefaultDistillationAlpha, temperature: DefaultDistillationTemperature}
}

// Loss returns
//
//	alpha * T^2 * KL(softmax(teacher/T) || softmax(student/T)) + (1-alpha) * CrossEntropy(student, targets)
//
// The KL divergence is averaged over all elements (batch and classes). No gradients flow into the teacher logits.
func (d *Distillation) Loss(student, teacher, targets *Node) *Node {
	if !student.Shape().Equal(teacher.Shape()) {
		exceptions.Panicf("student logits %s and teacher logits %s must have the same shape", student.Shape(), teacher.Shape())
	}
	teacher = StopGradient(teacher)
	studentLogProbs := LogSoftmax(DivScalar(student, d.temperature), -1)
	teacherLogProbs := LogSoftmax(DivScalar(teacher, d.temperature), -1)
	teacherProbs := Exp(teacherLogProbs)
	// Zero probabilities contribute 0 to the KL divergence.
	pointwise := Mul(teacherProbs, Sub(teacherLogProbs, studentLogProbs))
	pointwise = Where(GreaterThan(teacherProbs, ZerosLike(teacherProbs)), pointwise, ZerosLike(pointwise))
	kl := ReduceAllMean(pointwise)

	loss := MulScalar(kl, d.alpha*d.temperature*d.temperature)
	return Add(loss, MulScalar(CrossEntropy(student, targets), 1-d.alpha))
}

// AsLossFn adapts the loss to train.Trainer: labels are the targets and the teacher logits, and
// predictions[0] the student logits.
func (d *Distillation) AsLossFn() LossFn {
	return func(labels, predictions []*Node) *Node {
		if len(labels) < 2 {
			exceptions.Panicf("distillation loss requires labels=[targets, teacherLogits], got %d labels", len(labels))
		}
		return d.Loss(predictions[0], labels[1], labels[0])
	}
}
