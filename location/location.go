// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

// Package location parses the cloud region and zone identifiers used at
// the publisher's configuration boundary. This is one of the few spots
// standard-library string handling is used by choice: the one validation
// dependency found in the reference code, buf.build/go/protovalidate, is
// wired against generated protobuf messages and has nothing to validate
// here, since a region or zone string never comes off the wire as a
// generated type. Two strings.Split calls and a handful of byte checks
// are the idiomatic, dependency-free way to express "exactly two (or
// three) hyphen segments".
package location

import (
	"fmt"
	"strings"
)

// CloudRegion is a validated region identifier of the form
// "<continent>-<direction><digit>", e.g. "us-central1".
type CloudRegion struct {
	raw string
}

// String returns the original, validated region string.
func (r CloudRegion) String() string { return r.raw }

// CloudZone is a validated zone identifier: a region plus a
// single-character suffix, e.g. "us-central1-a".
type CloudZone struct {
	raw    string
	region CloudRegion
}

// String returns the original, validated zone string.
func (z CloudZone) String() string { return z.raw }

// Region returns the zone's containing region.
func (z CloudZone) Region() CloudRegion { return z.region }

// ParseCloudRegion validates s as "<continent>-<direction><digit>":
// exactly two hyphen-separated, non-empty segments, with the second
// segment ending in an ASCII digit.
func ParseCloudRegion(s string) (CloudRegion, error) {
	segments := strings.Split(s, "-")
	if len(segments) != 2 {
		return CloudRegion{}, fmt.Errorf("location: invalid region %q: expected exactly two hyphen-separated segments", s)
	}
	if err := validSegments(segments); err != nil {
		return CloudRegion{}, fmt.Errorf("location: invalid region %q: %w", s, err)
	}
	if !endsInDigit(segments[1]) {
		return CloudRegion{}, fmt.Errorf("location: invalid region %q: second segment must end in a digit", s)
	}
	return CloudRegion{raw: s}, nil
}

// ParseCloudZone validates s as a region plus a single-character suffix:
// exactly three hyphen-separated segments, with the third exactly one
// character long.
func ParseCloudZone(s string) (CloudZone, error) {
	segments := strings.Split(s, "-")
	if len(segments) != 3 {
		return CloudZone{}, fmt.Errorf("location: invalid zone %q: expected exactly three hyphen-separated segments", s)
	}
	if err := validSegments(segments); err != nil {
		return CloudZone{}, fmt.Errorf("location: invalid zone %q: %w", s, err)
	}
	if len(segments[2]) != 1 {
		return CloudZone{}, fmt.Errorf("location: invalid zone %q: third segment must be exactly one character", s)
	}

	region, err := ParseCloudRegion(segments[0] + "-" + segments[1])
	if err != nil {
		return CloudZone{}, fmt.Errorf("location: invalid zone %q: %w", s, err)
	}
	return CloudZone{raw: s, region: region}, nil
}

func validSegments(segments []string) error {
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("empty segment")
		}
	}
	return nil
}

func endsInDigit(s string) bool {
	if s == "" {
		return false
	}
	c := s[len(s)-1]
	return c >= '0' && c <= '9'
}
