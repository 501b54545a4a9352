package stepgen

import "strings"

// genericChecklist is the last resort when neither history nor similar
// sessions offer a solution for the category.
var genericChecklist = map[string][]string{
	"hydraulics": {
		"Check the hydraulic oil level and top up if low",
		"Inspect hoses and fittings for leaks or damage",
		"Check and clean the hydraulic filter",
		"Check the pump relief valve pressure setting",
		"Bleed air from the hydraulic lines",
	},
	"electrical": {
		"Check the main power supply and emergency stop",
		"Inspect fuses and reset tripped breakers",
		"Check battery voltage and terminal connections",
		"Inspect visible wiring and connectors for damage",
	},
	"engine": {
		"Check the fuel level and fuel shut-off valve",
		"Check the air filter for blockage",
		"Check the coolant level and radiator for blockage",
		"Inspect the starter connections",
	},
	"mechanical": {
		"Inspect belts and chains for tension and wear",
		"Check bearings for play or heat",
		"Remove any debris or jammed material",
		"Lubricate moving parts according to the manual",
	},
	"controls": {
		"Restart the controller and note any error code shown",
		"Check sensor connectors for dirt or loose pins",
		"Verify the operating mode and settings on the panel",
	},
	"general": {
		"Power cycle the machine and observe the start-up sequence",
		"Check for error codes or warning lights on the panel",
		"Inspect the machine for visible damage, leaks or loose parts",
		"Verify the machine was operated according to the manual",
	},
}

// hazardousCategories get a lockout warning on templated steps.
var hazardousCategories = map[string]bool{
	"hydraulics": true,
	"electrical": true,
	"engine":     true,
	"mechanical": true,
}

func checklistFor(category string) []string {
	if list, ok := genericChecklist[strings.ToLower(category)]; ok {
		return list
	}
	return genericChecklist["general"]
}
