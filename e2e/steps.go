package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cucumber/godog"
)

const auditor = "_auditor"

// RegisterSteps binds the step vocabulary used by the feature files.
func RegisterSteps(sc *godog.ScenarioContext, tc *TestContext) {
	sc.Step(`^(\w+) is an? (physician|nurse|admin)$`, tc.addActor)

	sc.Step(`^(\w+) creates an? (\w+) named (\w+)$`, func(who, resource, name string) error {
		if err := tc.Do(who, http.MethodPost, "/v1/"+resource, map[string]any{
			"payload": map[string]string{"name": name},
		}); err != nil {
			return err
		}
		if tc.LastResponse.StatusCode != http.StatusCreated {
			return fmt.Errorf("create %s: status %d: %s", resource, tc.LastResponse.StatusCode, tc.LastResponseBody)
		}
		id, err := tc.Field("id")
		if err != nil {
			return err
		}
		tc.records[name] = resource + "/" + id
		return nil
	})

	sc.Step(`^(\w+) tries to create an? (\w+)$`, func(who, resource string) error {
		return tc.Do(who, http.MethodPost, "/v1/"+resource, map[string]any{
			"payload": map[string]string{"note": "attempt"},
		})
	})

	sc.Step(`^(\w+) applies (\w+) to (\w+)$`, func(who, transition, name string) error {
		path, err := tc.record(name)
		if err != nil {
			return err
		}
		return tc.Do(who, http.MethodPost, "/v1/"+path+"/transitions/"+transition, nil)
	})

	sc.Step(`^(\w+) applies (\w+) with outcome (\w+) to (\w+)$`, func(who, transition, target, name string) error {
		path, err := tc.record(name)
		if err != nil {
			return err
		}
		return tc.Do(who, http.MethodPost, "/v1/"+path+"/transitions/"+transition, map[string]string{"target": target})
	})

	sc.Step(`^the response status is (\d+)$`, func(status int) error {
		if tc.LastResponse.StatusCode != status {
			return fmt.Errorf("expected status %d, got %d: %s", status, tc.LastResponse.StatusCode, tc.LastResponseBody)
		}
		return nil
	})

	sc.Step(`^the error is "([^"]+)"$`, func(code string) error {
		got, err := tc.Field("error")
		if err != nil {
			return err
		}
		if got != code {
			return fmt.Errorf("expected error %q, got %q", code, got)
		}
		return nil
	})

	sc.Step(`^the record status is "([^"]+)"$`, func(status string) error {
		got, err := tc.Field("status")
		if err != nil {
			return err
		}
		if got != status {
			return fmt.Errorf("expected status %q, got %q", status, got)
		}
		return nil
	})

	sc.Step(`^the record is co-signed by (\w+)$`, func(who string) error {
		a, err := tc.actor(who)
		if err != nil {
			return err
		}
		got, err := tc.Field("co_signer_id")
		if err != nil {
			return err
		}
		if got != a.id {
			return fmt.Errorf("expected co-signer %s, got %q", a.id, got)
		}
		return nil
	})

	sc.Step(`^the audit log holds (\d+) (allowed|denied) entr(?:y|ies) by (\w+) on (\w+)$`,
		func(count int, decision, who, table string) error {
			a, err := tc.actor(who)
			if err != nil {
				return err
			}
			if _, ok := tc.actors[auditor]; !ok {
				if err := tc.addActor(auditor, "admin"); err != nil {
					return err
				}
			}
			q := url.Values{"actor_id": {a.id}, "decision": {decision}, "table": {table}}
			if err := tc.Do(auditor, http.MethodGet, "/v1/audit?"+q.Encode(), nil); err != nil {
				return err
			}
			var resp struct {
				Count int `json:"count"`
			}
			if err := json.Unmarshal(tc.LastResponseBody, &resp); err != nil {
				return fmt.Errorf("decode audit response %s: %w", tc.LastResponseBody, err)
			}
			if resp.Count != count {
				return fmt.Errorf("expected %d %s entries for %s on %s, got %d", count, decision, who, table, resp.Count)
			}
			return nil
		})
}
