package bookings

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Timezone string       `yaml:"timezone"`
	Bookings []seedRecord `yaml:"bookings"`
}

type seedRecord struct {
	Registration     string `yaml:"registration"`
	CustomerName     string `yaml:"customer_name"`
	ContactNumber    string `yaml:"contact_number"`
	VehicleMake      string `yaml:"vehicle_make"`
	Terminal         string `yaml:"terminal"`
	AllocatedCarPark string `yaml:"allocated_car_park"`
	// Entry is local time in the file's timezone, "02/01/2006 15:04".
	Entry string `yaml:"entry"`
}

const seedEntryLayout = "02/01/2006 15:04"

// LoadSeedFile reads bookings from a YAML fixture file.
func LoadSeedFile(path string) ([]Booking, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read booking seed: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) ([]Booking, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse booking seed: %w", err)
	}
	loc := time.UTC
	if f.Timezone != "" {
		l, err := time.LoadLocation(f.Timezone)
		if err != nil {
			return nil, fmt.Errorf("booking seed timezone: %w", err)
		}
		loc = l
	}

	out := make([]Booking, 0, len(f.Bookings))
	for i, r := range f.Bookings {
		if NormalizeRegistration(r.Registration) == "" {
			return nil, fmt.Errorf("booking seed entry %d: registration is required", i)
		}
		entry, err := time.ParseInLocation(seedEntryLayout, r.Entry, loc)
		if err != nil {
			return nil, fmt.Errorf("booking seed entry %d: %w", i, err)
		}
		out = append(out, normalize(Booking{
			Registration:     r.Registration,
			CustomerName:     r.CustomerName,
			ContactNumber:    r.ContactNumber,
			VehicleMake:      r.VehicleMake,
			Terminal:         r.Terminal,
			AllocatedCarPark: r.AllocatedCarPark,
			EntryTime:        entry,
		}))
	}
	return out, nil
}
