// Package gps ingests position fixes from an external GNSS receiver.
//
// A Stream reads NMEA sentences from a Transport (USB serial, simulator or a
// replay log), parses GGA/RMC/VTG, stamps each fix in the synchronized time
// base, applies the geoid correction and publishes the result to a bounded
// History and to subscribers.
package gps
