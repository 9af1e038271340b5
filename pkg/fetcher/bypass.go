package fetcher

// fallbackState is the mutable context threaded through the fallback steps:
// the proxy currently in use and whether a challenge page has been seen since
// the last cache refresh.
type fallbackState struct {
	proxies    map[string]string
	proxyName  string
	forceLocal bool
	challenge  bool
}

// fallbackStep is one recovery strategy in the escalation sequence. Steps are
// tried in order until one yields acceptable content.
type fallbackStep struct {
	name string
	// skip reports whether the step is inapplicable in the current state.
	skip func(s *fallbackState) bool
	// rotate advances the pool to the next proxy before running; when the
	// pool is exhausted the whole sequence stops.
	rotate bool
	run    func(s *fallbackState) fetchOutcome
	// resetsCounter marks helper-path steps whose success clears the
	// consecutive bypass failure counter.
	resetsCounter bool
	// refreshAfter issues one helper cache refresh when a challenge has
	// been observed by the time this step finishes.
	refreshAfter bool
}

// getPageWithBypass runs the escalating fallback sequence: helper fetch,
// helper retry, conditional cache refresh, direct fetch with the current
// proxy, then up to min(poolSize-1, 5) proxy rotations each trying direct and
// helper again. Steps after the first are separated by the fallback cooldown.
func (h *Handler) getPageWithBypass(targetURL string, useCookie, useProxy bool, module string, proxies map[string]string, poolMode bool, proxyName string) (string, bool) {
	log := h.log.With().Str("module", module).Logger()

	st := &fallbackState{
		proxies:    proxies,
		proxyName:  proxyName,
		forceLocal: !useProxy,
	}

	steps := h.buildFallbackSteps(targetURL, useCookie, useProxy, poolMode)

	for i, step := range steps {
		if step.skip != nil && step.skip(st) {
			continue
		}
		if i > 0 {
			h.sleepFor(h.cfg.FallbackCooldown)
		}
		if step.rotate {
			if !h.pool.MarkFailureAndSwitch() {
				log.Warn().Msg("No more proxies available in pool")
				break
			}
			st.proxies = h.pool.CurrentProxy()
			st.proxyName = h.pool.CurrentProxyName()
		}

		log.Debug().Str("step", step.name).Str("proxy", st.proxyName).Msg("Fallback step")
		out := step.run(st)
		st.challenge = st.challenge || out.challenge

		if out.success {
			if content, ok := h.processHTML(out.content); ok && len(content) >= minContentBytes {
				if poolMode {
					h.pool.MarkSuccess()
				}
				if step.resetsCounter {
					h.ResetBypassState()
				}
				return content, true
			}
		}

		if i == 0 {
			log.Warn().Msg("Bypass initial attempt failed, starting fallback sequence")
			h.addBypassFailure()
		}

		if step.refreshAfter && st.challenge {
			log.Info().Str("step", step.name).Msg("Challenge detected, refreshing bypass cache")
			h.sleepFor(h.cfg.FallbackCooldown)
			h.refreshBypassCache(targetURL, st.proxies, st.forceLocal)
			st.challenge = false
		}
	}

	log.Error().Str("url", targetURL).Msg("All bypass fallback attempts exhausted")
	h.addBypassFailure()
	return "", false
}

// buildFallbackSteps lays out the full escalation plan up front. Rotation
// iterations are unrolled into the step list so the driver stays one flat
// loop over named steps.
func (h *Handler) buildFallbackSteps(targetURL string, useCookie, useProxy, poolMode bool) []fallbackStep {
	helper := func(ctxPrefix string, localAllowed bool) func(s *fallbackState) fetchOutcome {
		return func(s *fallbackState) fetchOutcome {
			forceLocal := localAllowed && s.forceLocal
			return h.fetchWithBypass(targetURL, s.proxies, ctxPrefix+s.proxyName, forceLocal)
		}
	}
	direct := func(s *fallbackState) fetchOutcome {
		return h.fetchDirect(targetURL, s.proxies, "Proxy="+s.proxyName, useCookie)
	}

	steps := []fallbackStep{
		{
			name:          "bypass",
			run:           helper("Proxy=", true),
			resetsCounter: true,
		},
		{
			name:          "bypass retry",
			run:           helper("Retry Proxy=", true),
			resetsCounter: true,
			refreshAfter:  true,
		},
		{
			name: "direct current proxy",
			skip: func(s *fallbackState) bool { return !useProxy || s.proxies == nil },
			run:  direct,
		},
	}

	if useProxy && poolMode && h.cfg.ProxyMode == "pool" {
		maxSwitches := h.pool.Count() - 1
		if maxSwitches > 5 {
			maxSwitches = 5
		}
		for i := 0; i < maxSwitches; i++ {
			steps = append(steps,
				fallbackStep{
					name:   "direct next proxy",
					rotate: true,
					run:    direct,
				},
				fallbackStep{
					name:          "bypass next proxy",
					run:           helper("Proxy=", false),
					resetsCounter: true,
					refreshAfter:  true,
				},
			)
		}
	}

	return steps
}
