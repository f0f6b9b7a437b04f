// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartAndStopRunInOppositeOrder(t *testing.T) {
	var order []string
	g := &Group{}
	for _, name := range []string{"a", "b", "c"} {
		name := name
		g.Add(Runnable{
			Name: name,
			Start: func(ctx context.Context) error {
				order = append(order, "start:"+name)
				return nil
			},
			Stop: func(ctx context.Context) error {
				order = append(order, "stop:"+name)
				return nil
			},
		})
	}

	require.NoError(t, g.Start(context.Background()))
	g.Stop(context.Background())

	require.Equal(t, []string{
		"start:a", "start:b", "start:c",
		"stop:c", "stop:b", "stop:a",
	}, order)
}

func TestStartFailureStopsAlreadyStartedInReverseOrder(t *testing.T) {
	var order []string
	g := &Group{}
	g.Add(Runnable{
		Name: "a",
		Start: func(ctx context.Context) error {
			order = append(order, "start:a")
			return nil
		},
		Stop: func(ctx context.Context) error {
			order = append(order, "stop:a")
			return nil
		},
	})
	g.Add(Runnable{
		Name: "b",
		Start: func(ctx context.Context) error {
			order = append(order, "start:b")
			return errors.New("boom")
		},
	})
	g.Add(Runnable{
		Name: "c",
		Start: func(ctx context.Context) error {
			order = append(order, "start:c")
			return nil
		},
	})

	err := g.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, []string{"start:a", "start:b", "stop:a"}, order)
}

func TestStopToleratesNilStopFunc(t *testing.T) {
	g := &Group{}
	g.Add(Runnable{Name: "no-stop", Start: func(ctx context.Context) error { return nil }})
	require.NoError(t, g.Start(context.Background()))
	require.NotPanics(t, func() { g.Stop(context.Background()) })
}
