// Package deployment provides pure functions that turn a resolved service
// definition into what the runtime needs to launch it.
//
// All functions are pure (no I/O, no side effects). The imperative shell
// (internal/shell/docker) calls them per service, then executes the result
// via the Docker API.
//
// # Functions
//
//   - Naming: consistent resource names (NetworkName, VolumeName, ContainerName, ImageTag)
//   - Build: build instructions per source kind (PlanBuild)
//   - Entry point: startup mode selection and launch commands (SelectStartupMode, LaunchCommand)
//   - Restart: restart decisions and backoff (DecideRestart, Backoff)
//   - Container: container plans from resolved services (BuildContainerPlan)
//
// # Usage
//
//	build := deployment.PlanBuild(def, project)
//	mode := deployment.SelectStartupMode(def.Env())
//	plan := deployment.BuildContainerPlan(params)
package deployment
