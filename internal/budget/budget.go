package budget

import (
	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/money"
)

// Calculator derives a trip budget from itinerary line items plus optional
// vehicle and guide costs. Compute is pure and total: malformed itinerary
// costs count as zero, a missing distance counts as zero, and it never errors.
type Calculator struct {
	// DefaultGuideRatePerKm applies when a selected guide has no published
	// rate. Product configuration, not policy.
	DefaultGuideRatePerKm float64
}

func (c Calculator) Compute(trip models.Trip, vehicle *models.VehicleOption, guide *models.Guide) models.Budget {
	var itinerary money.Cents
	for _, day := range trip.Days {
		if v, ok := money.Parse(day.EstimatedCost); ok {
			itinerary += v
		}
	}

	distance := trip.TotalDistanceKm()

	var vehicleCost money.Cents
	if vehicle != nil {
		vehicleCost = money.FromMajor(vehicle.PricePerKm * distance)
	}

	var guideCost money.Cents
	if guide != nil {
		rate := guide.PricePerKm
		if rate <= 0 {
			rate = c.DefaultGuideRatePerKm
		}
		guideCost = money.FromMajor(rate * distance)
	}

	return models.Budget{
		ItineraryCost: itinerary,
		VehicleCost:   vehicleCost,
		GuideCost:     guideCost,
		Total:         itinerary + vehicleCost + guideCost,
	}
}

// QuoteGuide prices a guide for a trip without building the whole budget.
// Used when recording the quoted price on a guide request.
func (c Calculator) QuoteGuide(trip models.Trip, guide models.Guide) money.Cents {
	rate := guide.PricePerKm
	if rate <= 0 {
		rate = c.DefaultGuideRatePerKm
	}
	return money.FromMajor(rate * trip.TotalDistanceKm())
}
