package stunutil

import "partymesh/internal/model"

// compatTable is the source of truth for pairwise direct-connect viability.
// Any pairing that involves a symmetric NAT cannot hole punch; open reaches
// everything else; the cone classes reach each other. unknown is treated as
// the most common cone case and allowed to try (a failed punch just costs the
// two-second attempt before relay fallback).
var compatTable = map[model.NATClass]map[model.NATClass]bool{
	model.NATOpen: {
		model.NATOpen:               true,
		model.NATFullCone:           true,
		model.NATRestrictedCone:     true,
		model.NATPortRestrictedCone: true,
		model.NATSymmetric:          false,
		model.NATUnknown:            true,
	},
	model.NATFullCone: {
		model.NATOpen:               true,
		model.NATFullCone:           true,
		model.NATRestrictedCone:     true,
		model.NATPortRestrictedCone: true,
		model.NATSymmetric:          false,
		model.NATUnknown:            true,
	},
	model.NATRestrictedCone: {
		model.NATOpen:               true,
		model.NATFullCone:           true,
		model.NATRestrictedCone:     true,
		model.NATPortRestrictedCone: true,
		model.NATSymmetric:          false,
		model.NATUnknown:            true,
	},
	model.NATPortRestrictedCone: {
		model.NATOpen:               true,
		model.NATFullCone:           true,
		model.NATRestrictedCone:     true,
		model.NATPortRestrictedCone: true,
		model.NATSymmetric:          false,
		model.NATUnknown:            true,
	},
	model.NATSymmetric: {
		model.NATOpen:               false,
		model.NATFullCone:           false,
		model.NATRestrictedCone:     false,
		model.NATPortRestrictedCone: false,
		model.NATSymmetric:          false,
		model.NATUnknown:            false,
	},
	model.NATUnknown: {
		model.NATOpen:               true,
		model.NATFullCone:           true,
		model.NATRestrictedCone:     true,
		model.NATPortRestrictedCone: true,
		model.NATSymmetric:          false,
		model.NATUnknown:            true,
	},
}

// CanDirectConnect reports whether peers behind the two NAT classes have a
// chance at a punched direct path.
func CanDirectConnect(a, b model.NATClass) bool {
	row, ok := compatTable[a]
	if !ok {
		return false
	}
	return row[b]
}
