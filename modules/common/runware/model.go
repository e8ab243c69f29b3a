package runware

// Runware task types
const (
	TaskBackgroundRemoval = "imageBackgroundRemoval"
	TaskUpscale           = "imageUpscale"
)

// TaskRequest - Runware API 요청 구조체
type TaskRequest struct {
	TaskType      string `json:"taskType"`
	TaskUUID      string `json:"taskUUID"`
	InputImage    string `json:"inputImage"`
	OutputType    string `json:"outputType"`
	OutputFormat  string `json:"outputFormat"`
	UpscaleFactor int    `json:"upscaleFactor,omitempty"`
}

// TaskResponse - Runware API 응답 구조체
type TaskResponse struct {
	Data []struct {
		TaskType        string `json:"taskType"`
		TaskUUID        string `json:"taskUUID"`
		ImageURL        string `json:"imageURL"`
		ImageUUID       string `json:"imageUUID"`
		ImageBase64Data string `json:"imageBase64Data"`
	} `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
	Error string `json:"error,omitempty"`
}
