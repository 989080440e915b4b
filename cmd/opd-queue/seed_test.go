package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"opd/queue-service/internal/models"
	"opd/queue-service/internal/store/memory"
)

func TestSeedDemoDoctorsAreBookable(t *testing.T) {
	s := memory.New()
	seedDemo(s)

	doctors, err := s.FindActiveDoctorsInDepartment(context.Background(), "dept-gen", "")
	require.NoError(t, err)
	require.Len(t, doctors, 2)
	for _, d := range doctors {
		require.Equal(t, models.DoctorAvailable, d.Status)
		require.Equal(t, "h-1", d.HospitalID)
	}
}
