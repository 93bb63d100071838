package estimator

import "github.com/soccast/soccast/pkg/types"

// AdjustForecast returns a copy of the curve with each point multiplied by
// the learned factor for its hour of day. The input curve is not modified.
func AdjustForecast(curve types.ForecastCurve, table types.DeltaTable) types.ForecastCurve {
	if len(curve) == 0 {
		return nil
	}
	adjusted := make(types.ForecastCurve, len(curve))
	for i, p := range curve {
		p.Watts *= table.Factor(p.TS.Hour())
		adjusted[i] = p
	}
	return adjusted
}
