package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type PredictionRequest struct {
	Version string                 `json:"version"`
	Input   map[string]interface{} `json:"input"`
}

type PredictionResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func filesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse multipart form
	err := r.ParseMultipartForm(64 << 20) // 64 MB
	if err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	// Get audio file
	file, header, err := r.FormFile("content")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	log.Printf("📤 FILE UPLOAD RECEIVED:")
	log.Printf("    Filename: %s", header.Filename)
	log.Printf("    Audio Size: %d bytes", len(audioData))
	log.Printf("    Content-Type: %s", header.Header.Get("Content-Type"))

	response := map[string]interface{}{
		"urls": map[string]string{
			"get": "http://localhost:9000/download/input.wav",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func predictionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing prediction request", http.StatusBadRequest)
		return
	}

	log.Printf("🎵 PREDICTION REQUEST RECEIVED:")
	log.Printf("    Model Version: %s", req.Version)
	log.Printf("    Input Audio: %v", req.Input["audio"])

	// Simulate processing time
	time.Sleep(500 * time.Millisecond)

	response := PredictionResponse{
		Output: "http://localhost:9000/download/vocals.mp3",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("✅ PREDICTION RESPONSE SENT: '%s'", response.Output)
	log.Println("---")
}

func downloadHandler(w http.ResponseWriter, r *http.Request) {
	log.Printf("📥 DOWNLOAD REQUEST: %s", r.URL.Path)

	w.Header().Set("Content-Type", "audio/mpeg")
	fmt.Fprint(w, "fake separated vocals audio data")
}

func main() {
	http.HandleFunc("/files", filesHandler)
	http.HandleFunc("/predictions", predictionsHandler)
	http.HandleFunc("/download/", downloadHandler)

	port := ":9000"
	log.Printf("🚀 Test Separation Server starting on port %s", port)
	log.Printf("📡 Endpoints: http://localhost%s/files, /predictions", port)
	log.Println("💡 Update your config to use: endpoint: http://localhost:9000")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
