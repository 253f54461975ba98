// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package location

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCloudRegion_Valid(t *testing.T) {
	r, err := ParseCloudRegion("us-central1")
	require.NoError(t, err)
	require.Equal(t, "us-central1", r.String())
}

func TestParseCloudRegion_Invalid(t *testing.T) {
	_, err := ParseCloudRegion("first-second-third")
	require.ErrorContains(t, err, "invalid region")
}

func TestParseCloudRegion_MissingTrailingDigit(t *testing.T) {
	_, err := ParseCloudRegion("us-central")
	require.Error(t, err)
}

func TestParseCloudRegion_EmptySegment(t *testing.T) {
	_, err := ParseCloudRegion("-central1")
	require.Error(t, err)
}

func TestParseCloudZone_Valid(t *testing.T) {
	z, err := ParseCloudZone("us-central1-a")
	require.NoError(t, err)
	require.Equal(t, "us-central1-a", z.String())
	require.Equal(t, "us-central1", z.Region().String())
}

func TestParseCloudZone_InvalidSuffix(t *testing.T) {
	_, err := ParseCloudZone("first-second-notaletter")
	require.ErrorContains(t, err, "invalid zone")
}

func TestParseCloudZone_WrongSegmentCount(t *testing.T) {
	_, err := ParseCloudZone("us-central1")
	require.Error(t, err)
}

func TestParseCloudZone_InvalidContainingRegion(t *testing.T) {
	_, err := ParseCloudZone("us-central-a")
	require.Error(t, err)
}
