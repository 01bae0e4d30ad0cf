package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dockyard-paas/dockyard/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	type then struct {
		interval time.Duration
		err      error
	}
	cases := []struct {
		scenario string
		given    string
		then     then
	}{
		{"hourly", "@hourly", then{time.Hour, nil}},
		{"every", "@every 10m", then{10 * time.Minute, nil}},
		{"five_fields", "*/15 * * * *", then{15 * time.Minute, nil}},
		{"bad_dom", "* * 32 * *", then{0, errors.New("end of range (32) above maximum (31): 32")}},
		{"empty", "  ", then{0, errors.New("empty cron expression")}},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			interval, err := model.ParseCron(tc.given)
			if tc.then.err != nil {
				require.EqualError(t, err, tc.then.err.Error())
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.interval, interval)
		})
	}
}
