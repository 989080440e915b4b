package main

import (
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/store/memory"
)

// seedDemo loads one hospital with two departments so the in-memory mode is
// usable straight away.
func seedDemo(s *memory.Store) {
	s.AddHospital(models.Hospital{
		HospitalID:           "h-1",
		Name:                 "City General Hospital",
		Latitude:             19.0760,
		Longitude:            72.8777,
		GeofenceRadiusMeters: 500,
	})
	s.AddDepartment(models.Department{
		DepartmentID:           "dept-gen",
		HospitalID:             "h-1",
		Name:                   "General Medicine",
		Code:                   "GEN",
		AvgConsultationMinutes: 15,
		BufferMinutes:          5,
	})
	s.AddDepartment(models.Department{
		DepartmentID:           "dept-ped",
		HospitalID:             "h-1",
		Name:                   "Paediatrics",
		Code:                   "PED",
		AvgConsultationMinutes: 12,
		BufferMinutes:          5,
	})
	for _, d := range []models.Doctor{
		{DoctorID: "doc-1", Name: "Dr. Rao", Specialization: "Internal Medicine", PrimaryDepartmentID: "dept-gen", AvgConsultationMinutes: 15, MaxTokensPerSession: 30},
		{DoctorID: "doc-2", Name: "Dr. Iyer", Specialization: "Family Medicine", PrimaryDepartmentID: "dept-gen", AvgConsultationMinutes: 12, MaxTokensPerSession: 30},
		{DoctorID: "doc-3", Name: "Dr. Menon", Specialization: "Paediatrics", PrimaryDepartmentID: "dept-ped", AvgConsultationMinutes: 10, MaxTokensPerSession: 25},
	} {
		d.HospitalID = "h-1"
		d.Status = models.DoctorAvailable
		s.AddDoctor(d)
	}
}
