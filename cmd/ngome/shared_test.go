package main

import "testing"

func TestCleanupRunsOnceInReverseOrder(t *testing.T) {
	sc := &SharedComponents{}
	var order []string
	sc.addCleanup(func() { order = append(order, "first") })
	sc.addCleanup(func() { order = append(order, "second") })

	sc.Cleanup()
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("unexpected cleanup order: %v", order)
	}

	sc.Cleanup()
	if len(order) != 2 {
		t.Fatalf("cleanup ran again: %v", order)
	}
}
