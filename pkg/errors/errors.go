// Package errors はトレーニングランチャー全体のエラーハンドリングと警告システムを提供します。
// 各エラー型は構造化された情報を持ち、cockroachdb/errors によるスタックトレースを付与します。
package errors

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		slog.Warn("detrain warning", slog.Any("warning", w))
	}
)

// SetWarningHandler は警告ハンドラを差し替えます。
// 吸収されたオーバーフローなど、実行を止めない事象の通知先を制御できます。
//
// 例:
//
//	errors.SetWarningHandler(func(w error) {
//	    // 警告を無視する
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// Warn は警告を発生させます。
func Warn(w error) {
	warningMutex.Lock()
	h := warningHandler
	warningMutex.Unlock()
	if h != nil {
		h(w)
	}
}

// ===========================================================================
//
//	警告型
//
// ===========================================================================

// OverflowWarning は損失スケーリング中に勾配がオーバーフローし、ステップが
// スキップされたことを示します。実行は継続されます。
type OverflowWarning struct {
	Iteration int
	OldScale  float64
	NewScale  float64
}

func (w *OverflowWarning) Error() string {
	return fmt.Sprintf("gradient overflow at iteration %d: step skipped, loss scale %g -> %g",
		w.Iteration, w.OldScale, w.NewScale)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *OverflowWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Int("iteration", w.Iteration).
		Float64("old_scale", w.OldScale).
		Float64("new_scale", w.NewScale).
		Str("type", "OverflowWarning")
}

// NewOverflowWarning は新しいOverflowWarningを作成します。
func NewOverflowWarning(iteration int, oldScale, newScale float64) *OverflowWarning {
	return &OverflowWarning{Iteration: iteration, OldScale: oldScale, NewScale: newScale}
}

// DataWarning はデータセット読み込み時に一部のレコードが無視された場合の警告です。
type DataWarning struct {
	Source string
	Reason string
	Count  int
}

func (w *DataWarning) Error() string {
	return fmt.Sprintf("%s: %d record(s) ignored: %s", w.Source, w.Count, w.Reason)
}

// NewDataWarning は新しいDataWarningを作成します。
func NewDataWarning(source, reason string, count int) *DataWarning {
	return &DataWarning{Source: source, Reason: reason, Count: count}
}

// UndefinedMetricWarning は評価指標が計算できない場合に発生する警告です。
// 例えば、検証シャードに正例が一つも無いクラスのAPなど。
type UndefinedMetricWarning struct {
	Metric    string
	Condition string
	Result    float64
}

func (w *UndefinedMetricWarning) Error() string {
	return fmt.Sprintf("'%s' is ill-defined and being set to %f due to %s.", w.Metric, w.Result, w.Condition)
}

// NewUndefinedMetricWarning は新しいUndefinedMetricWarningを作成します。
func NewUndefinedMetricWarning(metric, condition string, result float64) *UndefinedMetricWarning {
	return &UndefinedMetricWarning{Metric: metric, Condition: condition, Result: result}
}

// ===========================================================================
//
//	構造化されたエラー型
//
// ===========================================================================

// ConfigurationError は設定値の欠落・不正、またはワーカー環境の不整合を示します。
// 学習開始前に検出され、プロセスは非ゼロで終了します。
type ConfigurationError struct {
	Key    string
	Reason string
	Value  interface{}
}

func (e *ConfigurationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("detrain: invalid configuration '%s': %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("detrain: invalid configuration '%s': %s (got: %v)", e.Key, e.Reason, e.Value)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ConfigurationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("key", e.Key).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ConfigurationError")
}

// NewConfigurationError は新しいConfigurationErrorを作成し、スタックトレースを付与します。
func NewConfigurationError(key, reason string, value interface{}) error {
	err := &ConfigurationError{Key: key, Reason: reason, Value: value}
	return errors.WithStack(err)
}

// UnsupportedScheduleError は未知の学習率スケジュール種別が指定された場合のエラーです。
type UnsupportedScheduleError struct {
	Kind      string
	Supported []string
}

func (e *UnsupportedScheduleError) Error() string {
	return fmt.Sprintf("detrain: unsupported schedule %q (supported: %v)", e.Kind, e.Supported)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *UnsupportedScheduleError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("kind", e.Kind).
		Strs("supported", e.Supported).
		Str("type", "UnsupportedScheduleError")
}

// NewUnsupportedScheduleError は新しいUnsupportedScheduleErrorを作成し、スタックトレースを付与します。
func NewUnsupportedScheduleError(kind string, supported []string) error {
	err := &UnsupportedScheduleError{Kind: kind, Supported: supported}
	return errors.WithStack(err)
}

// IsConfigurationError reports whether err is a ConfigurationError or an
// UnsupportedScheduleError anywhere in its chain.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return true
	}
	var schedErr *UnsupportedScheduleError
	return errors.As(err, &schedErr)
}

// WeightShapeMismatchError は事前学習済み重みの構造がバックボーンと一致しない場合のエラーです。
// Index は位置照合での対象テンソル番号で、件数不一致の場合は -1 です。
type WeightShapeMismatchError struct {
	Index    int
	Name     string
	Expected []int
	Got      []int
}

func (e *WeightShapeMismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("detrain: pretrained weights do not match backbone: expected %v tensors, got %v",
			e.Expected, e.Got)
	}
	return fmt.Sprintf("detrain: pretrained weight %d (%s) shape mismatch. Expected %v, got %v",
		e.Index, e.Name, e.Expected, e.Got)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *WeightShapeMismatchError) MarshalZerologObject(event *zerolog.Event) {
	event.Int("index", e.Index).
		Str("name", e.Name).
		Ints("expected", e.Expected).
		Ints("got", e.Got).
		Str("type", "WeightShapeMismatchError")
}

// NewWeightShapeMismatchError は新しいWeightShapeMismatchErrorを作成し、スタックトレースを付与します。
func NewWeightShapeMismatchError(index int, name string, expected, got []int) error {
	err := &WeightShapeMismatchError{Index: index, Name: name, Expected: expected, Got: got}
	return errors.WithStack(err)
}

// RuntimeFailure は学習ループ中のフックまたはバッチ処理の失敗です。
// 実行は即座に中断され、部分的な回復は行いません。
type RuntimeFailure struct {
	Stage     string // "hook" or "batch" or "data"
	Component string // hook name or batch processor name
	Callback  string // lifecycle point, e.g. "after_epoch"
	Epoch     int
	Iteration int
	Err       error
}

func (e *RuntimeFailure) Error() string {
	return fmt.Sprintf("detrain: %s %s failed in %s (epoch %d, iter %d): %v",
		e.Stage, e.Component, e.Callback, e.Epoch, e.Iteration, e.Err)
}

func (e *RuntimeFailure) Unwrap() error {
	return e.Err
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *RuntimeFailure) MarshalZerologObject(event *zerolog.Event) {
	event.Str("stage", e.Stage).
		Str("component", e.Component).
		Str("callback", e.Callback).
		Int("epoch", e.Epoch).
		Int("iteration", e.Iteration).
		AnErr("cause", e.Err).
		Str("type", "RuntimeFailure")
}

// NewRuntimeFailure は新しいRuntimeFailureを作成し、スタックトレースを付与します。
func NewRuntimeFailure(stage, component, callback string, epoch, iteration int, err error) error {
	rf := &RuntimeFailure{
		Stage:     stage,
		Component: component,
		Callback:  callback,
		Epoch:     epoch,
		Iteration: iteration,
		Err:       err,
	}
	return errors.WithStack(rf)
}

// NotMaterializedError はモデルのパラメータ形状が確定する前に重みへアクセスした場合のエラーです。
type NotMaterializedError struct {
	ModelName string
	Method    string
}

func (e *NotMaterializedError) Error() string {
	return fmt.Sprintf("detrain: %s: parameters are not materialized yet. Run a forward pass before %s()", e.ModelName, e.Method)
}

// NewNotMaterializedError は新しいNotMaterializedErrorを作成し、スタックトレースを付与します。
func NewNotMaterializedError(modelName, method string) error {
	err := &NotMaterializedError{ModelName: modelName, Method: method}
	return errors.WithStack(err)
}

// DimensionError は入力データの次元が期待値と異なる場合のエラーです。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns/features
}

func (e *DimensionError) Error() string {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("detrain: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("type", "DimensionError")
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	err := &DimensionError{Op: op, Expected: expected, Got: got, Axis: axis}
	return errors.WithStack(err)
}

// ValueError は引数の値が不適切または不正な場合に発生するエラーです。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("detrain: %s: %s", e.Op, e.Message)
}

// NewValueError は新しいValueErrorを作成し、スタックトレースを付与します。
func NewValueError(op, message string) error {
	err := &ValueError{Op: op, Message: message}
	return errors.WithStack(err)
}

// CheckpointError はチェックポイントの書き込み・読み込み・検証の失敗です。
type CheckpointError struct {
	Op   string
	Path string
	Err  error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("detrain: checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// NewCheckpointError は新しいCheckpointErrorを作成し、スタックトレースを付与します。
func NewCheckpointError(op, path string, err error) error {
	return errors.WithStack(&CheckpointError{Op: op, Path: path, Err: err})
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	数値計算のエラー型
//
// ===========================================================================

// NumericalInstabilityError は数値計算が不安定になった場合のエラーです。
// 損失スケーリングが無効な場合のNaN/Inf勾配などを検出します。
type NumericalInstabilityError struct {
	Operation string
	Values    []float64
	Iteration int
}

func (e *NumericalInstabilityError) Error() string {
	valStr := ""
	for i, v := range e.Values {
		if i > 0 {
			valStr += ", "
		}
		if i >= 5 {
			valStr += "..."
			break
		}
		valStr += fmt.Sprintf("%.6g", v)
	}
	return fmt.Sprintf("detrain: numerical instability detected in %s at iteration %d. Values: [%s]",
		e.Operation, e.Iteration, valStr)
}

// NewNumericalInstabilityError は新しいNumericalInstabilityErrorを作成します。
func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	err := &NumericalInstabilityError{
		Operation: operation,
		Values:    values,
		Iteration: iteration,
	}
	return errors.WithStack(err)
}

// ===========================================================================
//
//	共通エラー変数
//
// ===========================================================================

var (
	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = New("empty data")

	// ErrCollectiveTimeout は集団通信がタイムアウトした場合のエラーです。
	ErrCollectiveTimeout = New("collective operation timed out")

	// ErrCollectiveClosed は閉じられたコミュニケータを使用した場合のエラーです。
	ErrCollectiveClosed = New("communicator closed")
)
