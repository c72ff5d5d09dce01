package stream

import apiv1 "github.com/grantwise/adam6000-counter/api/v1"

// classifyQuality combines every classification candidate into the
// worst-wins final DataQuality. configError and ioError short-circuit
// since the remaining signals are meaningless without a valid decode
// or a successful read.
func classifyQuality(configError, ioError, outOfRange, overflow, reset, rateExceeded, consecutiveBadPrior bool) apiv1.DataQuality {
	if configError {
		return apiv1.DataQualityConfigurationError
	}
	if ioError {
		return apiv1.DataQualityBad
	}

	q := apiv1.DataQualityGood
	if outOfRange {
		q = apiv1.Worst(q, apiv1.DataQualityBad)
	}
	if overflow {
		q = apiv1.Worst(q, apiv1.DataQualityOverflow)
	}
	if reset || rateExceeded || consecutiveBadPrior {
		q = apiv1.Worst(q, apiv1.DataQualityUncertain)
	}
	return q
}
