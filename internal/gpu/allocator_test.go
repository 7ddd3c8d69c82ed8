package gpu

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func staticQuery(devices ...Device) QueryFunc {
	return func() ([]Device, error) { return devices, nil }
}

func TestAllocateFirstFitAndRelease(t *testing.T) {
	a := NewAllocator(staticQuery(
		Device{Index: 0, TotalMiB: 10000, UsedMiB: 2000},
		Device{Index: 1, TotalMiB: 10000, UsedMiB: 2000},
	))

	indices, usage, err := a.Allocate(2000)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(indices, []int{0}) {
		t.Fatalf("first allocation: got %v", indices)
	}
	if usage[0] != 2000 {
		t.Fatalf("first usage: got %v", usage)
	}

	// GPU 0 now has 6000 free; 7000 must land on GPU 1.
	indices, usage, err = a.Allocate(7000)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(indices, []int{1}) {
		t.Fatalf("second allocation: got %v", indices)
	}
	if usage[1] != 7000 {
		t.Fatalf("second usage: got %v", usage)
	}

	a.Release(map[int]int{0: 2000})
	reserved := a.Reserved()
	if _, ok := reserved[0]; ok {
		t.Errorf("GPU 0 reservation not dropped at zero: %v", reserved)
	}
	if reserved[1] != 7000 {
		t.Errorf("GPU 1 reservation lost: %v", reserved)
	}
}

func TestAllocateGreedyMultiGPU(t *testing.T) {
	a := NewAllocator(staticQuery(
		Device{Index: 0, TotalMiB: 40000, UsedMiB: 1000},
		Device{Index: 1, TotalMiB: 40000, UsedMiB: 1000},
	))

	indices, usage, err := a.Allocate(60000)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(indices, []int{0, 1}) {
		t.Fatalf("got indices %v", indices)
	}
	if usage[0] != 39000 || usage[1] != 21000 {
		t.Fatalf("got usage %v", usage)
	}
	if reserved := a.Reserved(); reserved[0] != 39000 || reserved[1] != 21000 {
		t.Fatalf("reserved table %v", reserved)
	}
}

func TestAllocateZeroRequirement(t *testing.T) {
	a := NewAllocator(staticQuery(
		Device{Index: 0, TotalMiB: 8000, UsedMiB: 1000},
	))
	indices, usage, err := a.Allocate(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(indices, []int{0}) {
		t.Fatalf("got %v", indices)
	}
	if len(usage) != 0 {
		t.Fatalf("zero requirement must not reserve: %v", usage)
	}
	if len(a.Reserved()) != 0 {
		t.Fatal("reservation table should stay empty")
	}
}

func TestAllocateNoCapacity(t *testing.T) {
	a := NewAllocator(staticQuery(
		Device{Index: 0, TotalMiB: 10000, UsedMiB: 4000},
		Device{Index: 1, TotalMiB: 10000, UsedMiB: 9000},
	))
	// total free is 7000; one more MiB must fail.
	if _, _, err := a.Allocate(7001); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if len(a.Reserved()) != 0 {
		t.Fatal("failed allocation must not leave partial reservations")
	}
}

func TestAllocateQueryFailure(t *testing.T) {
	a := NewAllocator(func() ([]Device, error) {
		return nil, fmt.Errorf("nvidia-smi not found")
	})
	if _, _, err := a.Allocate(100); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity on query failure, got %v", err)
	}
}

func TestReserveForRecovery(t *testing.T) {
	a := NewAllocator(staticQuery(
		Device{Index: 0, TotalMiB: 10000, UsedMiB: 0},
	))
	a.Reserve(map[int]int{0: 9500})
	if _, _, err := a.Allocate(1000); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("recovered reservation not respected: %v", err)
	}
}

func TestParseCSV(t *testing.T) {
	devices, err := parseCSV("0, 24576, 1024\n1, 24576, 2048\n")
	if err != nil {
		t.Fatal(err)
	}
	want := []Device{
		{Index: 0, TotalMiB: 24576, UsedMiB: 1024},
		{Index: 1, TotalMiB: 24576, UsedMiB: 2048},
	}
	if !reflect.DeepEqual(devices, want) {
		t.Fatalf("got %v", devices)
	}

	if _, err := parseCSV("garbage output"); err == nil {
		t.Error("malformed output accepted")
	}
}
