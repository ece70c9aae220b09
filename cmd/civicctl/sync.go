package main

import (
	"fmt"
	"io"
	"net/http"
)

func runSync(apiURL, appKey string, out io.Writer) error {
	resp, err := http.Post(apiURL+"/api/sync/"+appKey, "application/json", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

func listIntegrations(apiURL string, out io.Writer) error {
	resp, err := http.Get(apiURL + "/api/sync")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

func runCounts(apiURL, userID string, out io.Writer) error {
	resp, err := http.Get(apiURL + "/api/users/" + userID + "/subscriptions/counts")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}
	_, err = io.Copy(out, resp.Body)
	return err
}
