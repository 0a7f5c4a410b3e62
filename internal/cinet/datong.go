package cinet

import (
	"fmt"
	"time"
)

// DatongEpoch is the zero point of the Datong calendar and the substitute
// value for undecodable timestamps.
var DatongEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// DecodeDatong unpacks a 5-byte bitpacked UTC timestamp:
//
//	byte0[7:3]           day
//	byte0[2:0]∥byte1[7]  month
//	byte1[6:0]           year, offset from 1980
//	byte2[7:3]           hour
//	byte2[2:0]∥byte3[7:5] minute
//	byte3[4:0]∥byte4[7]  second
//
// Out-of-range fields (month 0, day 30 in February, ...) return DatongEpoch
// together with a non-nil error. Callers substitute the epoch and keep going
// rather than rejecting the frame.
func DecodeDatong(ts []byte) (time.Time, error) {
	if len(ts) < 5 {
		return DatongEpoch, fmt.Errorf("cinet: datong timestamp needs 5 bytes, have %d", len(ts))
	}

	day := int(ts[0] >> 3)
	month := int(ts[0]&0x07)<<1 | int(ts[1]>>7)
	year := int(ts[1]&0x7F) + 1980
	hour := int(ts[2] >> 3)
	minute := int(ts[2]&0x07)<<3 | int(ts[3]>>5)
	second := int(ts[3]&0x1F)<<1 | int(ts[4]>>7)

	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || second > 59 {
		return DatongEpoch, fmt.Errorf("cinet: datong fields out of range: %04d-%02d-%02d %02d:%02d:%02d",
			year, month, day, hour, minute, second)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	// time.Date normalizes instead of rejecting, so a day past the end of
	// the month would roll into the next one. Detect that by reading back.
	if t.Day() != day || t.Month() != time.Month(month) || t.Year() != year {
		return DatongEpoch, fmt.Errorf("cinet: datong day %d invalid for %04d-%02d", day, year, month)
	}
	return t, nil
}

// EncodeDatong packs a UTC datetime into the 5-byte Datong layout. It is the
// exact inverse of DecodeDatong for datetimes in [1980-01-01, 2107-12-31];
// outside that window the 7-bit year wraps.
func EncodeDatong(t time.Time) [5]byte {
	t = t.UTC()
	day := t.Day()
	month := int(t.Month())
	year := t.Year() - 1980

	var b [5]byte
	b[0] = byte(day&0x1F)<<3 | byte(month>>1&0x07)
	b[1] = byte(month&0x01)<<7 | byte(year&0x7F)
	b[2] = byte(t.Hour()&0x1F)<<3 | byte(t.Minute()>>3&0x07)
	b[3] = byte(t.Minute()&0x07)<<5 | byte(t.Second()>>1&0x1F)
	b[4] = byte(t.Second()&0x01) << 7
	return b
}
