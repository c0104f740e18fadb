package api

import (
	"errors"

	"github.com/example/fieldsync/internal/types"
)

func validateIncident(i types.Incident) error {
	switch {
	case i.ZipCode == "":
		return errors.New("zip_code is required")
	case i.Gender == "":
		return errors.New("gender is required")
	case i.ApproxAge == "":
		return errors.New("approx_age is required")
	case i.Survival == "":
		return errors.New("survival is required")
	}
	return nil
}

func validateDistribution(d types.Distribution) error {
	switch {
	case d.ZipCode == "":
		return errors.New("zip_code is required")
	case d.KitType == "":
		return errors.New("kit_type is required")
	case d.KitsGiven < 1:
		return errors.New("kits_given must be at least 1")
	}
	return nil
}
