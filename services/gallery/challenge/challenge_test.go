// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/datatypes"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return newEngineWithSeed(clk, 42), clk
}

func TestIssueAndRedeem(t *testing.T) {
	eng, _ := newTestEngine(t)

	ch, err := eng.Issue("10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, ch.ID)
	assert.NotEmpty(t, ch.Prompt)
	assert.NotEmpty(t, ch.Answer)

	require.NoError(t, eng.Redeem(ch.ID, ch.Answer))
}

func TestRedeemIsSingleUse(t *testing.T) {
	eng, _ := newTestEngine(t)

	ch, err := eng.Issue("10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, eng.Redeem(ch.ID, ch.Answer))
	assert.ErrorIs(t, eng.Redeem(ch.ID, ch.Answer), ErrNotFound)
}

func TestWrongAnswerConsumesChallenge(t *testing.T) {
	eng, _ := newTestEngine(t)

	ch, err := eng.Issue("10.0.0.1")
	require.NoError(t, err)

	assert.ErrorIs(t, eng.Redeem(ch.ID, "definitely wrong"), ErrWrongAnswer)

	// Even the right answer fails now: the attempt burned it.
	assert.ErrorIs(t, eng.Redeem(ch.ID, ch.Answer), ErrNotFound)
}

func TestRedeemNormalizesAnswer(t *testing.T) {
	eng, _ := newTestEngine(t)

	ch, err := eng.Issue("10.0.0.1")
	require.NoError(t, err)

	padded := "  " + strings.ToUpper(ch.Answer) + "\n"
	assert.NoError(t, eng.Redeem(ch.ID, padded))
}

func TestExpiredChallengeRejected(t *testing.T) {
	eng, clk := newTestEngine(t)

	ch, err := eng.Issue("10.0.0.1")
	require.NoError(t, err)

	clk.Advance(TTL + time.Second)
	assert.ErrorIs(t, eng.Redeem(ch.ID, ch.Answer), ErrExpired)
}

func TestIssueRateLimitPerSource(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Issue("10.0.0.1")
	require.NoError(t, err)

	_, err = eng.Issue("10.0.0.1")
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different source is unaffected.
	_, err = eng.Issue("10.0.0.2")
	assert.NoError(t, err)
}

func TestSweepDropsExpired(t *testing.T) {
	eng, clk := newTestEngine(t)

	_, err := eng.Issue("10.0.0.1")
	require.NoError(t, err)
	_, err = eng.Issue("10.0.0.2")
	require.NoError(t, err)
	require.Equal(t, 2, eng.Pending())

	clk.Advance(TTL + time.Second)
	eng.sweep()
	assert.Equal(t, 0, eng.Pending())
}

func TestGenSHA256AnswerMatchesPrompt(t *testing.T) {
	eng, _ := newTestEngine(t)

	typ, prompt, answer := eng.genSHA256()
	require.Equal(t, datatypes.ChallengeSHA256, typ)

	// Recover the quoted input from the prompt and recompute.
	re := regexp.MustCompile(`"(caraplace-[0-9a-f]+)"`)
	m := re.FindStringSubmatch(prompt)
	require.Len(t, m, 2)

	sum := sha256.Sum256([]byte(m[1]))
	assert.Equal(t, hex.EncodeToString(sum[:])[:8], answer)
}

func TestGenCodeAnswerMatchesTrace(t *testing.T) {
	eng, _ := newTestEngine(t)

	for i := 0; i < 50; i++ {
		typ, prompt, answer := eng.genCode()
		require.Equal(t, datatypes.ChallengeCode, typ)

		var nums [5]int
		var threshold, multiplier int
		_, err := fmt.Sscanf(
			promptLine(prompt, "nums"), "nums = [%d, %d, %d, %d, %d]",
			&nums[0], &nums[1], &nums[2], &nums[3], &nums[4])
		require.NoError(t, err)
		_, err = fmt.Sscanf(promptLine(prompt, "threshold"), "threshold = %d", &threshold)
		require.NoError(t, err)
		_, err = fmt.Sscanf(
			strings.TrimSpace(promptLine(prompt, "total +=")), "total += n * %d", &multiplier)
		require.NoError(t, err)

		want := 0
		for _, n := range nums {
			if n > threshold {
				want += n * multiplier
			}
		}
		assert.Equal(t, fmt.Sprintf("%d", want), answer)
	}
}

func TestGenRegexAnswerMatchesEvaluation(t *testing.T) {
	eng, _ := newTestEngine(t)

	re := regexp.MustCompile(`/(.+)/ match the string "(.*)"\?`)
	for i := 0; i < 50; i++ {
		typ, prompt, answer := eng.genRegex()
		require.Equal(t, datatypes.ChallengeRegex, typ)

		m := re.FindStringSubmatch(prompt)
		require.Len(t, m, 3, "prompt %q", prompt)

		pattern := regexp.MustCompile(m[1])
		want := "no"
		if pattern.MatchString(m[2]) {
			want = "yes"
		}
		assert.Equal(t, want, answer)
	}
}

// promptLine returns the first prompt line containing marker.
func promptLine(prompt, marker string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if strings.Contains(line, marker) {
			return line
		}
	}
	return ""
}
