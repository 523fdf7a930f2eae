package engine

// Entry point names as exported by the engine module.
const (
	FnMalloc             = "malloc"
	FnFree               = "free"
	FnNetworkCreate      = "network_create"
	FnNetworkInit        = "network_init"
	FnNetworkInputRank   = "network_get_input_rank"
	FnNetworkInputShape  = "network_get_input_shape"
	FnNetworkOutputRank  = "network_get_output_rank"
	FnNetworkOutputShape = "network_get_output_shape"
	FnNetworkRun         = "network_run"
	FnNetworkDelete      = "network_delete"
	FnPredictorCreate    = "predictor_create"
	FnPredictorConfigure = "predictor_configure"
	FnPredictorRun       = "predictor_run"
	FnPredictorDelete    = "predictor_delete"
	FnTensorCreate       = "tensor_create"
	FnTensorDelete       = "tensor_delete"
	FnTensorRank         = "tensor_get_rank"
	FnTensorShape        = "tensor_get_shape"
	FnTensorData         = "tensor_data"
)

// RequiredExports lists the entry points every engine build must export.
var RequiredExports = []string{
	FnMalloc, FnFree,
	FnNetworkCreate, FnNetworkInit,
	FnNetworkInputRank, FnNetworkInputShape,
	FnNetworkOutputRank, FnNetworkOutputShape,
	FnNetworkRun,
	FnPredictorCreate, FnPredictorConfigure, FnPredictorRun,
	FnTensorCreate, FnTensorDelete,
	FnTensorRank, FnTensorShape, FnTensorData,
}

// OptionalExports lists entry points newer engine builds add for explicit teardown.
var OptionalExports = []string{FnNetworkDelete, FnPredictorDelete}
