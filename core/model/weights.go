package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WeightsVersion is the current weights file format version.
const WeightsVersion = "1"

// Tensor は名前付きの重みテンソル（行優先で平坦化）
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Size はShapeから要素数を計算する
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Weights はモデルまたはサブモジュールの重みを表す構造体（シリアライゼーション用）。
// Tensors の順序が位置照合の基準になる。
type Weights struct {
	// ModelType はモデルの種類
	ModelType string `json:"model_type"`

	// Version は形式のバージョン（互換性チェック用）
	Version string `json:"version"`

	// Tensors は登録順に並んだ重み
	Tensors []Tensor `json:"tensors"`

	// Metadata は追加のメタデータ（学習時のエポック等）
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ToJSON はWeightsをJSON形式にシリアライズ
func (w *Weights) ToJSON() ([]byte, error) {
	return json.MarshalIndent(w, "", "  ")
}

// FromJSON はJSON形式からWeightsをデシリアライズ
func (w *Weights) FromJSON(data []byte) error {
	return json.Unmarshal(data, w)
}

// Validate はWeightsの妥当性を検証
func (w *Weights) Validate() error {
	if w.ModelType == "" {
		return fmt.Errorf("model_type is required")
	}
	if w.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(w.Tensors) == 0 {
		return fmt.Errorf("weights contain no tensors")
	}
	for i, t := range w.Tensors {
		if t.Size() != len(t.Data) {
			return fmt.Errorf("tensor %d (%s): shape %v needs %d values, got %d", i, t.Name, t.Shape, t.Size(), len(t.Data))
		}
	}
	return nil
}

// Clone はWeightsのディープコピーを作成
func (w *Weights) Clone() *Weights {
	clone := &Weights{
		ModelType: w.ModelType,
		Version:   w.Version,
		Tensors:   make([]Tensor, len(w.Tensors)),
		Metadata:  make(map[string]string, len(w.Metadata)),
	}
	for i, t := range w.Tensors {
		clone.Tensors[i] = Tensor{
			Name:  t.Name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		}
	}
	for k, v := range w.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// ReadWeightsFile は .json または .gob の重みファイルを読み込み検証する
func ReadWeightsFile(path string) (*Weights, error) {
	var w Weights
	switch filepath.Ext(path) {
	case ".gob":
		if err := LoadModel(&w, path); err != nil {
			return nil, err
		}
	default:
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read weights: %w", err)
		}
		if err := w.FromJSON(raw); err != nil {
			return nil, fmt.Errorf("failed to decode weights: %w", err)
		}
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weights %s: %w", path, err)
	}
	return &w, nil
}

// WriteWeightsFile は拡張子に応じてJSONまたはgobで書き出す
func WriteWeightsFile(w *Weights, path string) error {
	if filepath.Ext(path) == ".gob" {
		return SaveModel(w, path)
	}
	raw, err := w.ToJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
