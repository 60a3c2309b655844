package models

import (
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/utils"
)

type Identifier interface {
	GetId() int
}

// interface for dataloader result
type Data interface {
	Identifier
	GetDefault(int) Data
}

func (d District) GetId() int {
	return d.ID
}

// a unit whose district row is missing still renders, as an inactive placeholder
func (d District) GetDefault(id int) Data {
	return District{
		ID:        id,
		Region:    RegionLuzon,
		IsActive:  utils.NewFalse(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// loader loading more than one model by one id
type RelatedData interface {
	GetReferenceId() int
}

func (u LocalUnit) GetReferenceId() int {
	return u.DistrictId
}
