package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-hpu/layers"
)

// ONNX wire schema subset used by the exporter and importer. Field numbers
// follow onnx.proto; messages are encoded and decoded directly with
// protowire since only this handful of fields is needed.
const (
	// ModelProto
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelModelVersion    = 5
	modelGraph           = 7
	modelOpsetImport     = 8

	// OperatorSetIdProto
	opsetDomain  = 1
	opsetVersion = 2

	// GraphProto
	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12

	// NodeProto
	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5

	// AttributeProto
	attrName = 1
	attrInt  = 3
	attrInts = 8
	attrType = 20

	attrTypeInt  = 2
	attrTypeInts = 7

	// TensorProto
	tensorDims      = 1
	tensorDataType  = 2
	tensorFloatData = 4
	tensorName      = 8
	tensorRawData   = 9

	tensorDataTypeFloat = 1

	// ValueInfoProto / TypeProto / TensorShapeProto
	valueInfoName      = 1
	valueInfoType      = 2
	typeTensorType     = 1
	tensorTypeElemType = 1
	tensorTypeShape    = 2
	shapeDim           = 1
	dimValue           = 1
)

// ONNXExporter converts checkpoints to the ONNX serialization format
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes the checkpoint's model graph and weights as an ONNX
// model file.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	graph, err := oe.buildGraph(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to build ONNX graph: %v", err)
	}

	var model []byte
	model = appendVarintField(model, modelIRVersion, 7)
	model = appendStringField(model, modelProducerName, "go-hpu")
	model = appendStringField(model, modelProducerVersion, "1.0.0")
	model = appendVarintField(model, modelModelVersion, 1)
	model = appendMessageField(model, modelGraph, graph)

	var opset []byte
	opset = appendStringField(opset, opsetDomain, "")
	opset = appendVarintField(opset, opsetVersion, 13)
	model = appendMessageField(model, modelOpsetImport, opset)

	if err := os.WriteFile(path, model, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}

	return nil
}

// buildGraph encodes a GraphProto from the checkpoint
func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint) ([]byte, error) {
	var graph []byte
	graph = appendStringField(graph, graphName, "go-hpu-model")

	if spec := checkpoint.ModelSpec; spec != nil && spec.Compiled {
		nodes, err := oe.buildNodes(spec)
		if err != nil {
			return nil, err
		}
		for _, node := range nodes {
			graph = appendMessageField(graph, graphNode, node)
		}

		graph = appendMessageField(graph, graphInput, encodeValueInfo("input", spec.InputShape))
		graph = appendMessageField(graph, graphOutput, encodeValueInfo("output", spec.OutputShape))
	}

	for _, weight := range checkpoint.Weights {
		graph = appendMessageField(graph, graphInitializer, encodeTensor(weight))
	}

	return graph, nil
}

// buildNodes encodes one NodeProto per layer, chaining tensor names
func (oe *ONNXExporter) buildNodes(spec *layers.ModelSpec) ([][]byte, error) {
	var nodes [][]byte
	current := "input"

	for i, layer := range spec.Layers {
		output := fmt.Sprintf("%s_output", layer.Name)
		if i == len(spec.Layers)-1 {
			output = "output"
		}

		var node []byte
		switch layer.Type {
		case layers.Conv2D:
			node = appendStringField(node, nodeInput, current)
			node = appendStringField(node, nodeInput, layer.Name+".weight")
			if useBias, ok := layer.Parameters["use_bias"].(bool); ok && useBias {
				node = appendStringField(node, nodeInput, layer.Name+".bias")
			}
			node = appendStringField(node, nodeOutput, output)
			node = appendStringField(node, nodeName, layer.Name)
			node = appendStringField(node, nodeOpType, "Conv")

			kernel, _ := layer.Parameters["kernel_size"].(int)
			stride, _ := layer.Parameters["stride"].(int)
			padding, _ := layer.Parameters["padding"].(int)
			node = appendMessageField(node, nodeAttribute, encodeIntsAttribute("kernel_shape", []int64{int64(kernel), int64(kernel)}))
			node = appendMessageField(node, nodeAttribute, encodeIntsAttribute("strides", []int64{int64(stride), int64(stride)}))
			node = appendMessageField(node, nodeAttribute, encodeIntsAttribute("pads", []int64{int64(padding), int64(padding), int64(padding), int64(padding)}))

		case layers.Dense:
			node = appendStringField(node, nodeInput, current)
			node = appendStringField(node, nodeInput, layer.Name+".weight")
			if useBias, ok := layer.Parameters["use_bias"].(bool); ok && useBias {
				node = appendStringField(node, nodeInput, layer.Name+".bias")
			}
			node = appendStringField(node, nodeOutput, output)
			node = appendStringField(node, nodeName, layer.Name)
			node = appendStringField(node, nodeOpType, "Gemm")

		case layers.ReLU:
			node = appendStringField(node, nodeInput, current)
			node = appendStringField(node, nodeOutput, output)
			node = appendStringField(node, nodeName, layer.Name)
			node = appendStringField(node, nodeOpType, "Relu")

		case layers.Softmax:
			node = appendStringField(node, nodeInput, current)
			node = appendStringField(node, nodeOutput, output)
			node = appendStringField(node, nodeName, layer.Name)
			node = appendStringField(node, nodeOpType, "Softmax")
			axis, _ := layer.Parameters["axis"].(int)
			node = appendMessageField(node, nodeAttribute, encodeIntAttribute("axis", int64(axis)))

		case layers.Flatten:
			node = appendStringField(node, nodeInput, current)
			node = appendStringField(node, nodeOutput, output)
			node = appendStringField(node, nodeName, layer.Name)
			node = appendStringField(node, nodeOpType, "Flatten")
			node = appendMessageField(node, nodeAttribute, encodeIntAttribute("axis", 1))

		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
		}

		nodes = append(nodes, node)
		current = output
	}

	return nodes, nil
}

// ONNXImporter reads weights and metadata back out of an ONNX model file
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX reads an ONNX model file into a checkpoint. Only the graph
// initializers (the weights) and producer metadata survive the round trip;
// training and optimizer state are JSON-format concerns.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %v", err)
	}

	checkpoint := &Checkpoint{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed ONNX model: bad tag")
		}
		data = data[n:]

		switch {
		case num == modelProducerName && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed ONNX model: bad producer name")
			}
			checkpoint.Metadata.Framework = name
			data = data[n:]
		case num == modelProducerVersion && typ == protowire.BytesType:
			version, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed ONNX model: bad producer version")
			}
			checkpoint.Metadata.Version = version
			data = data[n:]
		case num == modelGraph && typ == protowire.BytesType:
			graph, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed ONNX model: bad graph")
			}
			weights, err := parseGraphInitializers(graph)
			if err != nil {
				return nil, err
			}
			checkpoint.Weights = weights
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("malformed ONNX model: bad field %d", num)
			}
			data = data[n:]
		}
	}

	return checkpoint, nil
}

// parseGraphInitializers extracts the weight tensors from a GraphProto
func parseGraphInitializers(graph []byte) ([]WeightTensor, error) {
	var weights []WeightTensor

	for len(graph) > 0 {
		num, typ, n := protowire.ConsumeTag(graph)
		if n < 0 {
			return nil, fmt.Errorf("malformed ONNX graph: bad tag")
		}
		graph = graph[n:]

		if num == graphInitializer && typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(graph)
			if n < 0 {
				return nil, fmt.Errorf("malformed ONNX graph: bad initializer")
			}
			weight, err := parseTensor(raw)
			if err != nil {
				return nil, err
			}
			weights = append(weights, weight)
			graph = graph[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, graph)
		if n < 0 {
			return nil, fmt.Errorf("malformed ONNX graph: bad field %d", num)
		}
		graph = graph[n:]
	}

	return weights, nil
}

// parseTensor decodes a TensorProto initializer
func parseTensor(raw []byte) (WeightTensor, error) {
	var weight WeightTensor

	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return weight, fmt.Errorf("malformed ONNX tensor: bad tag")
		}
		raw = raw[n:]

		switch {
		case num == tensorDims && typ == protowire.VarintType:
			dim, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return weight, fmt.Errorf("malformed ONNX tensor: bad dim")
			}
			weight.Shape = append(weight.Shape, int(dim))
			raw = raw[n:]
		case num == tensorDataType && typ == protowire.VarintType:
			dataType, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return weight, fmt.Errorf("malformed ONNX tensor: bad data type")
			}
			if dataType != tensorDataTypeFloat {
				return weight, fmt.Errorf("unsupported ONNX tensor data type %d", dataType)
			}
			raw = raw[n:]
		case num == tensorName && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(raw)
			if n < 0 {
				return weight, fmt.Errorf("malformed ONNX tensor: bad name")
			}
			weight.Name = name
			raw = raw[n:]
		case num == tensorFloatData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return weight, fmt.Errorf("malformed ONNX tensor: bad float data")
			}
			for len(packed) > 0 {
				bits, n := protowire.ConsumeFixed32(packed)
				if n < 0 {
					return weight, fmt.Errorf("malformed ONNX tensor: bad float element")
				}
				weight.Data = append(weight.Data, math.Float32frombits(bits))
				packed = packed[n:]
			}
			raw = raw[n:]
		case num == tensorRawData && typ == protowire.BytesType:
			rawData, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return weight, fmt.Errorf("malformed ONNX tensor: bad raw data")
			}
			if len(rawData)%4 != 0 {
				return weight, fmt.Errorf("ONNX raw data length %d is not a multiple of 4", len(rawData))
			}
			for i := 0; i < len(rawData); i += 4 {
				weight.Data = append(weight.Data, math.Float32frombits(binary.LittleEndian.Uint32(rawData[i:])))
			}
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return weight, fmt.Errorf("malformed ONNX tensor: bad field %d", num)
			}
			raw = raw[n:]
		}
	}

	if idx := lastDot(weight.Name); idx >= 0 {
		weight.Layer = weight.Name[:idx]
		weight.Type = weight.Name[idx+1:]
	} else {
		weight.Layer = weight.Name
		weight.Type = "weight"
	}

	return weight, nil
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// encodeTensor encodes a WeightTensor as a TensorProto
func encodeTensor(weight WeightTensor) []byte {
	var b []byte
	for _, dim := range weight.Shape {
		b = appendVarintField(b, tensorDims, uint64(dim))
	}
	b = appendVarintField(b, tensorDataType, tensorDataTypeFloat)

	var packed []byte
	for _, v := range weight.Data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = appendMessageField(b, tensorFloatData, packed)
	b = appendStringField(b, tensorName, weight.Name)
	return b
}

// encodeValueInfo encodes a float ValueInfoProto with a fixed shape
func encodeValueInfo(name string, shape []int) []byte {
	var dims []byte
	for _, d := range shape {
		var dim []byte
		dim = appendVarintField(dim, dimValue, uint64(d))
		dims = appendMessageField(dims, shapeDim, dim)
	}

	var tensorType []byte
	tensorType = appendVarintField(tensorType, tensorTypeElemType, tensorDataTypeFloat)
	tensorType = appendMessageField(tensorType, tensorTypeShape, dims)

	var typeProto []byte
	typeProto = appendMessageField(typeProto, typeTensorType, tensorType)

	var info []byte
	info = appendStringField(info, valueInfoName, name)
	info = appendMessageField(info, valueInfoType, typeProto)
	return info
}

// encodeIntAttribute encodes an AttributeProto holding a single int
func encodeIntAttribute(name string, value int64) []byte {
	var b []byte
	b = appendStringField(b, attrName, name)
	b = appendVarintField(b, attrInt, uint64(value))
	b = appendVarintField(b, attrType, attrTypeInt)
	return b
}

// encodeIntsAttribute encodes an AttributeProto holding an int list
func encodeIntsAttribute(name string, values []int64) []byte {
	var b []byte
	b = appendStringField(b, attrName, name)
	for _, v := range values {
		b = appendVarintField(b, attrInts, uint64(v))
	}
	b = appendVarintField(b, attrType, attrTypeInts)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
