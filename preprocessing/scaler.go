package preprocessing

import (
	"fmt"

	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// ChannelScaler は画像のチャンネルごとの標準化を行う。
// 画素は HWC 順に並んだ値として扱い、(x - Mean[c]) / Std[c] に変換する。
type ChannelScaler struct {
	// Mean は各チャンネルの平均値
	Mean []float64

	// Std は各チャンネルの標準偏差
	Std []float64
}

// NewChannelScaler は新しいChannelScalerを作成する
//
// 使用例:
//
//	scaler, err := preprocessing.NewChannelScaler(
//	    []float64{123.675, 116.28, 103.53},
//	    []float64{58.395, 57.12, 57.375},
//	)
func NewChannelScaler(mean, std []float64) (*ChannelScaler, error) {
	if len(mean) == 0 || len(mean) != len(std) {
		return nil, errors.NewValueError("NewChannelScaler",
			fmt.Sprintf("mean and std must have the same non-zero length, got %d and %d", len(mean), len(std)))
	}
	for _, s := range std {
		if s <= 0 {
			return nil, errors.NewValueError("NewChannelScaler", "std must be positive")
		}
	}
	return &ChannelScaler{
		Mean: append([]float64(nil), mean...),
		Std:  append([]float64(nil), std...),
	}, nil
}

// Channels は対象チャンネル数を返す
func (s *ChannelScaler) Channels() int { return len(s.Mean) }

// Transform は src を標準化して dst に書き込む。dst と src は同じでもよい。
func (s *ChannelScaler) Transform(dst, src []float64) error {
	if err := s.check("ChannelScaler.Transform", dst, src); err != nil {
		return err
	}
	c := len(s.Mean)
	for i, v := range src {
		ch := i % c
		dst[i] = (v - s.Mean[ch]) / s.Std[ch]
	}
	return nil
}

// InverseTransform は標準化を元に戻す（可視化用）
func (s *ChannelScaler) InverseTransform(dst, src []float64) error {
	if err := s.check("ChannelScaler.InverseTransform", dst, src); err != nil {
		return err
	}
	c := len(s.Mean)
	for i, v := range src {
		ch := i % c
		dst[i] = v*s.Std[ch] + s.Mean[ch]
	}
	return nil
}

func (s *ChannelScaler) check(op string, dst, src []float64) error {
	if len(dst) != len(src) {
		return errors.NewDimensionError(op, len(src), len(dst), 1)
	}
	if len(src)%len(s.Mean) != 0 {
		return errors.NewDimensionError(op, len(s.Mean), len(src)%len(s.Mean), 1)
	}
	return nil
}
