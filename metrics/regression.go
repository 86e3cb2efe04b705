package metrics

import (
	"math"

	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// BoxRegression はボックス座標の回帰誤差を累積する。
// 各ワーカーの値はVectorで取り出し、合計後にSetVectorで戻せる。
type BoxRegression struct {
	absSum float64
	sqSum  float64
	n      float64
}

// boxRegressionLen はVectorの長さ
const boxRegressionLen = 3

// Add は予測ボックスと正解ボックスの4座標分の誤差を加える
func (r *BoxRegression) Add(pred, truth data.Box) {
	for i := range pred {
		diff := truth[i] - pred[i]
		r.absSum += math.Abs(diff)
		r.sqSum += diff * diff
		r.n++
	}
}

// Count は累積した座標の数
func (r *BoxRegression) Count() int { return int(r.n) }

// MAE は平均絶対誤差（Mean Absolute Error）を返す
func (r *BoxRegression) MAE() (float64, error) {
	if r.n == 0 {
		return 0, errors.NewValueError("MAE", "no boxes accumulated")
	}
	// MAE = (1/n) * Σ|truth - pred|
	return r.absSum / r.n, nil
}

// MSE は平均二乗誤差（Mean Squared Error）を返す
func (r *BoxRegression) MSE() (float64, error) {
	if r.n == 0 {
		return 0, errors.NewValueError("MSE", "no boxes accumulated")
	}
	return r.sqSum / r.n, nil
}

// RMSE は平方根平均二乗誤差（Root Mean Squared Error）を返す
func (r *BoxRegression) RMSE() (float64, error) {
	mse, err := r.MSE()
	if err != nil {
		return 0, err
	}
	return math.Sqrt(mse), nil
}

// Vector は集約用に累積値を平坦化する
func (r *BoxRegression) Vector() []float64 {
	return []float64{r.absSum, r.sqSum, r.n}
}

// SetVector はVectorの形式から累積値を復元する
func (r *BoxRegression) SetVector(v []float64) error {
	if len(v) != boxRegressionLen {
		return errors.NewDimensionError("BoxRegression.SetVector", boxRegressionLen, len(v), 0)
	}
	r.absSum, r.sqSum, r.n = v[0], v[1], v[2]
	return nil
}
