package spawner

// SpawnWithShadow spawns a primary worker and pairs it with a shadow per
// §4.5: the primary is always spawned first and its failure aborts the
// pair; a shadow failure leaves the primary running and reports partial
// success. The shadow's trigger set folds the default, its role preset, and
// an explicit override, then a CLI selector picks between subagent mode
// (no separate process) and process mode (an ordinary worker tagged with
// shadowOf/shadowSpeakOn).
func (s *Spawner) SpawnWithShadow(req SpawnShadowRequest) SpawnShadowResult {
	primaryResult := s.Spawn(req.Primary)
	if !primaryResult.Success {
		return SpawnShadowResult{Primary: primaryResult}
	}

	triggers := resolveShadowTriggers(req.Shadow.Role, req.Shadow.SpeakOn)
	mode := s.shadowOf(req.Primary.CLI)

	if mode == shadowModeSubagent {
		return SpawnShadowResult{
			Primary: primaryResult,
			Shadow: SpawnResult{
				Success: true,
				Name:    req.Shadow.Name,
			},
			Mode: "subagent",
		}
	}

	shadowResult := s.Spawn(SpawnRequest{
		Name:          req.Shadow.Name,
		CLI:           req.Shadow.CLI,
		Task:          req.Shadow.Task,
		ShadowOf:      req.Primary.Name,
		ShadowSpeakOn: triggers,
	})

	return SpawnShadowResult{
		Primary: primaryResult,
		Shadow:  shadowResult,
		Mode:    "process",
	}
}
