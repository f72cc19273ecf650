// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchengine/services/patch"
	"github.com/AleutianAI/patchengine/services/patch/api"
	"github.com/AleutianAI/patchengine/services/patch/marker"
	"github.com/AleutianAI/patchengine/services/patch/orchestrator"
)

var httpClient = &http.Client{Timeout: 5 * time.Minute}

// -----------------------------------------------------------------------------
// HTTP helpers
// -----------------------------------------------------------------------------

func apiPost(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func apiGet(path string, query url.Values, out any) error {
	u := serverURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := httpClient.Get(u)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return fmt.Errorf("%s (%s)", er.Error, er.Code)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

func runApply(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(batchFile)
	if err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}

	var batch patch.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("parse batch file: %w", err)
	}

	req := api.ApplyRequest{
		PatchID:    batch.PatchID,
		Operations: batch.Operations,
		Metadata:   batch.Metadata,
		Options: orchestrator.Options{
			ValidateOnly:      validateOnly,
			DryRun:            dryRun,
			RollbackOnFailure: rollbackOnFailure,
		},
	}

	var result orchestrator.Result
	if err := apiPost("/v1/patches/apply", req, &result); err != nil {
		return err
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("batch %s failed", batch.PatchID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st orchestrator.StatusResult
	if err := apiGet("/v1/patches/status/"+url.PathEscape(args[0]), nil, &st); err != nil {
		return err
	}
	return printJSON(st)
}

func runRollback(cmd *cobra.Command, args []string) error {
	var rb orchestrator.RollbackResult
	err := apiPost("/v1/patches/rollback", api.RollbackBody{
		PatchID:    args[0],
		RollbackID: rollbackID,
		Reason:     rollbackReason,
	}, &rb)
	if err != nil {
		return err
	}
	if err := printJSON(rb); err != nil {
		return err
	}
	if !rb.Success {
		return fmt.Errorf("rollback of %s failed", args[0])
	}
	return nil
}

// runMarkers scans locally so it works without a running server.
func runMarkers(cmd *cobra.Command, args []string) error {
	resolver := marker.NewResolver()
	locations, err := resolver.FindMarkersInFiles(markerPattern)
	if err != nil {
		return err
	}

	if markerName != "" {
		filtered := locations[:0]
		for _, loc := range locations {
			if loc.MarkerName == markerName {
				filtered = append(filtered, loc)
			}
		}
		locations = filtered
	}

	if len(locations) == 0 {
		cmd.Println("No markers found.")
		return nil
	}
	for _, loc := range locations {
		cmd.Printf("%s:%d:%d  %s\n", loc.FilePath, loc.LineNumber, loc.ColumnStart, loc.MarkerName)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if eventsPatchID != "" {
		q.Set("patchId", eventsPatchID)
	}
	if eventsType != "" {
		q.Set("eventType", eventsType)
	}
	if eventsLimit > 0 {
		q.Set("limit", strconv.Itoa(eventsLimit))
	}
	if eventsOffset > 0 {
		q.Set("offset", strconv.Itoa(eventsOffset))
	}
	if eventsDesc {
		q.Set("order", "desc")
	}

	var body json.RawMessage
	if err := apiGet("/v1/patches/events", q, &body); err != nil {
		return err
	}
	return printJSON(body)
}

func runEventStats(cmd *cobra.Command, args []string) error {
	q := url.Values{"windowHours": {strconv.Itoa(statsWindow)}}
	var body json.RawMessage
	if err := apiGet("/v1/patches/events/stats", q, &body); err != nil {
		return err
	}
	return printJSON(body)
}

func runEventCleanup(cmd *cobra.Command, args []string) error {
	var body json.RawMessage
	err := apiPost("/v1/patches/events/cleanup",
		map[string]int{"retentionDays": retentionDays}, &body)
	if err != nil {
		return err
	}
	return printJSON(body)
}
