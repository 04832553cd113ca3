// Package annexb splits an Annex B elementary video stream into access units
// and classifies each unit by its first payload byte.
//
// The central type is [Reader], which reads start-code delimited units from
// an [io.Reader]. [RoleTable] maps the first byte of a unit to the [Role]
// that decides how the unit is cached for late joiners.
package annexb
