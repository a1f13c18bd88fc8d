// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/compute/dtypes/float16"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/wavemlp/models/wavemlp"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ImageNet normalization.
var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// evalCropRatio is the fraction of the resized image kept by the center crop.
const evalCropRatio = 0.875

func newPredictCmd(flags *globalFlags) *cobra.Command {
	var (
		imageSize, topK int
		labelsPath      string
	)
	cmd := &cobra.Command{
		Use:   "predict <image>...",
		Short: "Classify images",
		Long: "Classify images, printing the most likely classes.\n\n" +
			"Images are resized so the shorter side is --size/0.875, center cropped to --size and normalized " +
			"with the ImageNet mean and standard deviation. Without pretrained weights " +
			"(--set=wavemlp_pretrained=<dir>) the predictions are random.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var labels []string
			if labelsPath != "" {
				var err error
				if labels, err = readLabels(labelsPath); err != nil {
					return err
				}
			}
			env, err := flags.newEnvironment()
			if err != nil {
				return err
			}
			defer env.backend.Finalize()

			images := make([]image.Image, len(args))
			for ii, path := range args {
				if images[ii], err = imaging.Open(path, imaging.AutoOrientation(true)); err != nil {
					return errors.Wrapf(err, "failed to read image %q", path)
				}
			}
			input, err := imagesToTensor(images, imageSize, env.model.Config().DType)
			if err != nil {
				return err
			}
			if err := wavemlp.CheckImagesShape(input.Shape()); err != nil {
				return err
			}
			probs, err := context.ExecOnce(env.backend, env.ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
				return graph.ConvertDType(graph.Softmax(env.model.Logits(ctx, images), -1), dtypes.Float32)
			}, input)
			if err != nil {
				return err
			}
			numClasses := env.model.Config().NumClasses
			values := tensors.MustCopyFlatData[float32](probs)
			for ii, path := range args {
				table := newTable(path, "Probability")
				for _, class := range topClasses(values[ii*numClasses:(ii+1)*numClasses], topK) {
					name := fmt.Sprintf("#%d", class)
					if class < len(labels) {
						name = fmt.Sprintf("%s (#%d)", labels[class], class)
					}
					table.Row(name, fmt.Sprintf("%.2f%%", 100*values[ii*numClasses+class]))
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), table.Render()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&imageSize, "size", 224, "Image height and width fed to the model, a multiple of 32.")
	cmd.Flags().IntVar(&topK, "top", 5, "Number of classes to print per image.")
	cmd.Flags().StringVar(&labelsPath, "labels", "", "Optional text file with one class name per line.")
	return cmd
}

// readLabels reads one label per line, ignoring trailing empty lines.
func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open labels file")
	}
	defer func() { _ = f.Close() }()
	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read labels from %q", path)
	}
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	return labels, nil
}

// imagesToTensor resizes, center crops and normalizes the images into a tensor shaped [batch, 3, size, size].
// dtype must be Float32 or Float16.
func imagesToTensor(images []image.Image, size int, dtype dtypes.DType) (*tensors.Tensor, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid image size %d", size)
	}
	resizeTo := int(float64(size)/evalCropRatio + 0.5)
	planeSize := size * size
	data := make([]float32, len(images)*wavemlp.ImageChannels*planeSize)
	for ii, img := range images {
		bounds := img.Bounds()
		var resized *image.NRGBA
		if bounds.Dx() < bounds.Dy() {
			resized = imaging.Resize(img, resizeTo, 0, imaging.Linear)
		} else {
			resized = imaging.Resize(img, 0, resizeTo, imaging.Linear)
		}
		cropped := imaging.CropCenter(resized, size, size)
		offset := ii * wavemlp.ImageChannels * planeSize
		for y := range size {
			for x := range size {
				pixel := cropped.Pix[y*cropped.Stride+4*x:]
				for channel := range wavemlp.ImageChannels {
					value := float32(pixel[channel]) / 255
					data[offset+channel*planeSize+y*size+x] = (value - imageNetMean[channel]) / imageNetStd[channel]
				}
			}
		}
	}
	dims := []int{len(images), wavemlp.ImageChannels, size, size}
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case dtypes.Float16:
		halfData := make([]float16.Float16, len(data))
		for ii, v := range data {
			halfData[ii] = float16.FromFloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(halfData, dims...), nil
	}
	return nil, errors.Errorf("images can only be converted to float32 or float16, got %s", dtype)
}

// topClasses returns the indices of the k largest probabilities, in decreasing order.
func topClasses(probs []float32, k int) []int {
	indices := make([]int, len(probs))
	for ii := range indices {
		indices[ii] = ii
	}
	slices.SortStableFunc(indices, func(a, b int) int {
		switch {
		case probs[a] > probs[b]:
			return -1
		case probs[a] < probs[b]:
			return 1
		}
		return 0
	})
	return indices[:min(k, len(indices))]
}
